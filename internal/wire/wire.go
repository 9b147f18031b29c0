// Package wire implements the cluster's framed wire protocol: a 4-byte
// big-endian length, a 1-byte message kind, a JSON payload, and - for
// message kinds that carry one - a trailing raw byte body whose length
// is named inside the JSON payload.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind is a single message-kind byte.
type Kind byte

const (
	KindRegister     Kind = 0x01
	KindHeartbeat    Kind = 0x02
	KindPutChunk     Kind = 0x10
	KindGetChunk     Kind = 0x11
	KindPing         Kind = 0x12
	KindDeleteChunk  Kind = 0x13
	KindUploadBegin  Kind = 0x20
	KindUploadChunk  Kind = 0x21
	KindUploadCommit Kind = 0x22
	KindDownload     Kind = 0x30
	KindStatus       Kind = 0x40

	KindOK      Kind = 0x81
	KindErr     Kind = 0x82
	KindData    Kind = 0x83 // reply carrying a trailing byte body (GetChunk, Download)
	KindPayload Kind = 0x84 // reply carrying a JSON-only payload (UploadBegin, Status)
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "Register"
	case KindHeartbeat:
		return "Heartbeat"
	case KindPutChunk:
		return "PutChunk"
	case KindGetChunk:
		return "GetChunk"
	case KindPing:
		return "Ping"
	case KindDeleteChunk:
		return "DeleteChunk"
	case KindUploadBegin:
		return "UploadBegin"
	case KindUploadChunk:
		return "UploadChunk"
	case KindUploadCommit:
		return "UploadCommit"
	case KindDownload:
		return "Download"
	case KindStatus:
		return "Status"
	case KindOK:
		return "OK"
	case KindErr:
		return "Err"
	case KindData:
		return "Data"
	case KindPayload:
		return "Payload"
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

// maxFrameBody caps a frame's JSON body (excluding any trailing raw byte
// body) to guard against a corrupt length prefix exhausting memory.
const maxFrameBody = 16 << 20

// Frame is a decoded message: its kind and raw JSON payload bytes. Callers
// unmarshal Payload into the struct appropriate for Kind.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// WriteFrame writes a frame with a JSON-encoded payload. v may be nil, in
// which case an empty JSON object is sent.
func WriteFrame(w io.Writer, kind Kind, v any) error {
	var body []byte
	var err error
	if v == nil {
		body = []byte("{}")
	} else {
		body, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("wire: marshal payload for %s: %w", kind, err)
		}
	}

	buf := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(body)))
	buf[4] = byte(kind)
	copy(buf[5:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame %s: %w", kind, err)
	}
	return nil
}

// ReadFrame reads and decodes one frame's length prefix, kind byte and JSON
// payload. It does not read any trailing raw byte body - callers that know
// a kind carries one must read it separately via io.ReadFull.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBody {
		return Frame{}, fmt.Errorf("wire: invalid frame length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	return Frame{Kind: Kind(body[0]), Payload: body[1:]}, nil
}

// Decode unmarshals a frame's JSON payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", f.Kind, err)
	}
	return nil
}

// WriteBulk writes exactly len(data) raw bytes following a frame whose JSON
// payload already named that length.
func WriteBulk(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write bulk body: %w", err)
	}
	return nil
}

// ReadBulk reads exactly size raw bytes following a frame whose JSON
// payload named that length.
func ReadBulk(r io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("wire: negative bulk size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: read bulk body of %d bytes: %w", size, err)
	}
	return buf, nil
}

// NewBufferedReadWriter wraps a connection with buffered I/O sized for
// chunk-sized bulk transfers (64 KiB buffers). The node, coordinator and
// clusterclient RPCs do not use it; they read and write the net.Conn
// directly.
func NewBufferedReadWriter(rw io.ReadWriter) *bufio.ReadWriter {
	return bufio.NewReadWriter(bufio.NewReaderSize(rw, 64<<10), bufio.NewWriterSize(rw, 64<<10))
}

// ---- Payload types ----

type RegisterPayload struct {
	NodeID    string `json:"node_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Capacity  int64  `json:"capacity"`
	Bandwidth int64  `json:"bandwidth"`
}

type ChunkRef struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

// DeleteChunkPayload instructs a node to discard a chunk the coordinator
// has no record of, once it has sat in garbage collection past the grace
// period.
type DeleteChunkPayload struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

type HeartbeatPayload struct {
	NodeID      string     `json:"node_id"`
	UsedBytes   int64      `json:"used_bytes"`
	Utilisation int64      `json:"utilisation"`
	Chunks      []ChunkRef `json:"chunks"`
	Timestamp   int64      `json:"timestamp"` // unix nanos; set by the sender's clock
}

type PutChunkHeader struct {
	FileID   string `json:"file_id"`
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type GetChunkHeader struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

// GetChunkDataHeader precedes the raw bytes of a successful GetChunk reply.
type GetChunkDataHeader struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type ErrPayload struct {
	Error string `json:"error"`
}

type UploadBeginPayload struct {
	DisplayName string `json:"display_name"`
	TotalSize   int64  `json:"total_size"`
	Replication int    `json:"replication"`
}

type UploadBeginReply struct {
	FileID    string `json:"file_id"`
	ChunkSize int64  `json:"chunk_size"`
}

type UploadChunkHeader struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
	Size   int64  `json:"size"`
}

type UploadCommitPayload struct {
	FileID string `json:"file_id"`
}

type DownloadPayload struct {
	FileID string `json:"file_id"`
}

// DownloadChunkHeader precedes each chunk's raw bytes in a Download reply
// stream; the stream is a sequence of (frame, bulk) pairs, one per chunk,
// in index order.
type DownloadChunkHeader struct {
	Index    int    `json:"index"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type StatusReply struct {
	TotalNodes           int   `json:"total_nodes"`
	HealthyNodes         int   `json:"healthy_nodes"`
	TotalBytes           int64 `json:"total_bytes"`
	UsedBytes            int64 `json:"used_bytes"`
	FileCount            int   `json:"file_count"`
	UnderReplicatedCount int   `json:"under_replicated_count"`
}
