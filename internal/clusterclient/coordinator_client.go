package clusterclient

import (
	"fmt"
	"net"
	"time"

	"github.com/clustore/clustore/internal/wire"
)

// CoordinatorClient issues RPCs against the coordinator: Register and
// Heartbeat (used by storage nodes), and UploadBegin/UploadChunk/
// UploadCommit/Download/Status (used by the thin client).
type CoordinatorClient struct {
	Addr    string
	Timeout time.Duration
}

func NewCoordinatorClient(addr string, timeout time.Duration) *CoordinatorClient {
	return &CoordinatorClient{Addr: addr, Timeout: timeout}
}

func (c *CoordinatorClient) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("clusterclient: dial coordinator %s: %w", c.Addr, err)
	}
	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	return conn, nil
}

func (c *CoordinatorClient) Register(p wire.RegisterPayload) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindRegister, p); err != nil {
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
		return fmt.Errorf("clusterclient: unexpected reply kind %s for Register", reply.Kind)
	}
	return nil
}

func (c *CoordinatorClient) Heartbeat(p wire.HeartbeatPayload) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindHeartbeat, p); err != nil {
		return err
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	if reply.Kind != wire.KindOK {
		return fmt.Errorf("clusterclient: unexpected reply kind %s for Heartbeat", reply.Kind)
	}
	return nil
}

func (c *CoordinatorClient) UploadBegin(displayName string, totalSize int64, replication int) (fileID string, chunkSize int64, err error) {
	conn, err := c.dial()
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()

	req := wire.UploadBeginPayload{DisplayName: displayName, TotalSize: totalSize, Replication: replication}
	if err := wire.WriteFrame(conn, wire.KindUploadBegin, req); err != nil {
		return "", 0, err
	}

	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return "", 0, err
	}
	if reply.Kind == wire.KindErr {
		return "", 0, decodeErr(reply)
	}
	if reply.Kind != wire.KindPayload {
		return "", 0, fmt.Errorf("clusterclient: unexpected reply kind %s for UploadBegin", reply.Kind)
	}

	var out wire.UploadBeginReply
	if err := reply.Decode(&out); err != nil {
		return "", 0, err
	}
	return out.FileID, out.ChunkSize, nil
}

func (c *CoordinatorClient) UploadChunk(fileID string, index int, data []byte) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	header := wire.UploadChunkHeader{FileID: fileID, Index: index, Size: int64(len(data))}
	if err := wire.WriteFrame(conn, wire.KindUploadChunk, header); err != nil {
		return err
	}
	if err := wire.WriteBulk(conn, data); err != nil {
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
		return fmt.Errorf("clusterclient: unexpected reply kind %s for UploadChunk", reply.Kind)
	}
	return nil
}

func (c *CoordinatorClient) UploadCommit(fileID string) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindUploadCommit, wire.UploadCommitPayload{FileID: fileID}); err != nil {
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
		return fmt.Errorf("clusterclient: unexpected reply kind %s for UploadCommit", reply.Kind)
	}
	return nil
}

// DownloadChunkFunc receives each chunk of a download in index order.
type DownloadChunkFunc func(index int, data []byte, checksum string) error

// Download streams a committed file's chunks in order, invoking onChunk for
// each. The connection is held open for the whole stream: a sequence of
// {index,size,checksum}+bytes frames terminated by an ok marker.
func (c *CoordinatorClient) Download(fileID string, onChunk DownloadChunkFunc) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindDownload, wire.DownloadPayload{FileID: fileID}); err != nil {
		return err
	}

	for {
		reply, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		switch reply.Kind {
		case wire.KindErr:
			return decodeErr(reply)
		case wire.KindOK:
			// End of stream marker.
			return nil
		case wire.KindData:
			var header wire.DownloadChunkHeader
			if err := reply.Decode(&header); err != nil {
				return err
			}
			body, err := wire.ReadBulk(conn, header.Size)
			if err != nil {
				return err
			}
			if err := onChunk(header.Index, body, header.Checksum); err != nil {
				return err
			}
		default:
			return fmt.Errorf("clusterclient: unexpected reply kind %s for Download", reply.Kind)
		}
	}
}

func (c *CoordinatorClient) Status() (wire.StatusReply, error) {
	conn, err := c.dial()
	if err != nil {
		return wire.StatusReply{}, err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.KindStatus, nil); err != nil {
		return wire.StatusReply{}, err
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.StatusReply{}, err
	}
	if reply.Kind == wire.KindErr {
		return wire.StatusReply{}, decodeErr(reply)
	}
	if reply.Kind != wire.KindPayload {
		return wire.StatusReply{}, fmt.Errorf("clusterclient: unexpected reply kind %s for Status", reply.Kind)
	}

	var out wire.StatusReply
	if err := reply.Decode(&out); err != nil {
		return wire.StatusReply{}, err
	}
	return out, nil
}
