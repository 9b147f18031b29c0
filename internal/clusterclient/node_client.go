// Package clusterclient holds the RPC stubs the coordinator uses to talk
// to storage nodes, and the thin client uses to talk to the coordinator -
// both over the framed wire protocol.
package clusterclient

import (
	"fmt"
	"net"
	"time"

	"github.com/clustore/clustore/internal/wire"
)

// NodeClient issues PutChunk/GetChunk/Ping RPCs against one storage node.
// Each call dials a fresh connection and closes it when done: one logical
// task per connection, no long-lived connection pool to reason about.
type NodeClient struct {
	Addr    string
	Timeout time.Duration
}

func NewNodeClient(addr string, timeout time.Duration) *NodeClient {
	return &NodeClient{Addr: addr, Timeout: timeout}
}

func (c *NodeClient) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("clusterclient: dial %s: %w", c.Addr, err)
	}
	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	return conn, nil
}

// PutChunk sends data to be stored under (fileID, index), verified against
// checksum. The wire reply only distinguishes ok from err for PutChunk;
// the idempotent-already-present case is an ok, same as a fresh write -
// chunkstore.Put's alreadyPresent flag matters to the node handling the
// request locally, not to the caller across the wire.
func (c *NodeClient) PutChunk(fileID string, index int, data []byte, checksum string) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	header := wire.PutChunkHeader{FileID: fileID, Index: index, Size: int64(len(data)), Checksum: checksum}
	if err := wire.WriteFrame(conn, wire.KindPutChunk, header); err != nil {
		return err
	}
	if err := wire.WriteBulk(conn, data); err != nil {
		return err
	}

	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	switch reply.Kind {
	case wire.KindOK:
		return nil
	case wire.KindErr:
		return decodeErr(reply)
	default:
		return fmt.Errorf("clusterclient: unexpected reply kind %s for PutChunk", reply.Kind)
	}
}

// GetChunk retrieves a chunk's bytes from the node.
func (c *NodeClient) GetChunk(fileID string, index int) (data []byte, checksum string, err error) {
	conn, err := c.dial()
	if err != nil {
		return nil, "", err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindGetChunk, wire.GetChunkHeader{FileID: fileID, Index: index}); err != nil {
		return nil, "", err
	}

	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, "", err
	}
	if reply.Kind == wire.KindErr {
		return nil, "", decodeErr(reply)
	}
	if reply.Kind != wire.KindData {
		return nil, "", fmt.Errorf("clusterclient: unexpected reply kind %s for GetChunk", reply.Kind)
	}

	var dataHeader wire.GetChunkDataHeader
	if err := reply.Decode(&dataHeader); err != nil {
		return nil, "", err
	}
	body, err := wire.ReadBulk(conn, dataHeader.Size)
	if err != nil {
		return nil, "", err
	}
	return body, dataHeader.Checksum, nil
}

// Ping checks basic liveness/reachability of the node.
func (c *NodeClient) Ping() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindPing, nil); err != nil {
		return err
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	if reply.Kind == wire.KindErr {
		return decodeErr(reply)
	}
	if reply.Kind != wire.KindOK {
		return fmt.Errorf("clusterclient: unexpected reply kind %s for Ping", reply.Kind)
	}
	return nil
}

// DeleteChunk instructs the node to discard a chunk, used by the
// coordinator's garbage-collection sweep to clear stale chunks a
// recovered node reported that are not part of any known replica set.
func (c *NodeClient) DeleteChunk(fileID string, index int) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.DeleteChunkPayload{FileID: fileID, Index: index}
	if err := wire.WriteFrame(conn, wire.KindDeleteChunk, req); err != nil {
		return err
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	if reply.Kind == wire.KindErr {
		return decodeErr(reply)
	}
	if reply.Kind != wire.KindOK {
		return fmt.Errorf("clusterclient: unexpected reply kind %s for DeleteChunk", reply.Kind)
	}
	return nil
}

func decodeErr(f wire.Frame) error {
	var p wire.ErrPayload
	if err := f.Decode(&p); err != nil {
		return fmt.Errorf("clusterclient: error reply with undecodable payload: %w", err)
	}
	return fmt.Errorf("clusterclient: remote error: %s", p.Error)
}
