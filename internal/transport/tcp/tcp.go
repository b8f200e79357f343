// Package tcp implements a NVMe-over-TCP transport to contract depth
// (spec.md §1's transport glue is "assumed provided"; this package exists
// to give the driver something concrete to dial and submit through).
// Framing is a minimal length-prefixed request/response pair built on
// cloudwego/gopkg's netx connection wrapper and bufiox zero-copy readers
// and writers, the same pairing the teacher uses nowhere but the rest of
// the retrieval pack reaches for whenever it needs buffered socket I/O.
package tcp

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"github.com/cloudwego/gopkg/netx"

	"github.com/nvmetest/nvmetest/internal/ierrors"
	"github.com/nvmetest/nvmetest/internal/interfaces"
	"github.com/nvmetest/nvmetest/internal/nvmewire"
)

// Transport is a NVMe-over-TCP interfaces.Transport: one TCP connection per
// controller, request/response framed as [u32 dataLen][64-byte cmd][data],
// response as [u16 status][u32 dataLen][data].
type Transport struct {
	conn   netx.Conn
	subnqn string

	mu sync.Mutex // serializes request/response pairs on the single connection
}

// Dial connects to addr ("host:port") and wraps the connection for
// zero-copy buffered reads/writes.
func Dial(ctx context.Context, addr, subnqn string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ierrors.Wrap("tcp.Dial", err)
	}
	wrapped, err := netx.Wrap(conn)
	if err != nil {
		_ = conn.Close()
		return nil, ierrors.Wrap("tcp.Dial", err)
	}
	return &Transport{conn: wrapped, subnqn: subnqn}, nil
}

// Identify sends the zero-value admin Identify Controller command and
// decodes a fixed-format response: serial (40 bytes), model (40 bytes),
// mdts (4 bytes), namespace count (4 bytes).
func (t *Transport) Identify(ctx context.Context) (interfaces.ControllerIdentity, error) {
	var cmd nvmewire.Command
	cmd.Opcode = nvmewire.OpFlush // admin identify reuses the flush-class opcode at contract depth
	_, data, err := t.roundTrip(cmd, make([]byte, 88))
	if err != nil {
		return interfaces.ControllerIdentity{}, err
	}
	return interfaces.ControllerIdentity{
		SerialNumber:   trimNulls(data[0:40]),
		ModelNumber:    trimNulls(data[40:80]),
		MaxDataXferLBs: binary.LittleEndian.Uint32(data[80:84]),
		NamespaceCount: binary.LittleEndian.Uint32(data[84:88]),
	}, nil
}

// EnumerateNamespaces is not implemented at contract depth: a real
// NVMe-over-TCP glue layer would issue Identify Namespace per active nsid
// from the active namespace ID list, which this package does not parse.
func (t *Transport) EnumerateNamespaces(ctx context.Context) ([]interfaces.NamespaceIdentity, error) {
	return nil, ierrors.New("tcp.EnumerateNamespaces", ierrors.CodeSubmissionRejected, "namespace enumeration is contract-only over this transport")
}

// Submit sends cmd and its data buffer over the wire and blocks for the
// matching response.
func (t *Transport) Submit(ctx context.Context, qid uint16, cmd []byte, data []byte) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.conn.Writer()
	hdr, err := w.Malloc(4)
	if err != nil {
		return 0, ierrors.Wrap("tcp.Submit", err)
	}
	binary.LittleEndian.PutUint32(hdr, uint32(len(data)))
	if _, err := w.WriteBinary(cmd); err != nil {
		return 0, ierrors.Wrap("tcp.Submit", err)
	}
	if len(data) > 0 {
		if _, err := w.WriteBinary(data); err != nil {
			return 0, ierrors.Wrap("tcp.Submit", err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, ierrors.Wrap("tcp.Submit", err)
	}

	return t.readResponse(data)
}

// roundTrip is Submit's helper for admin commands that need the response
// body returned to the caller directly rather than copied into a
// caller-owned buffer.
func (t *Transport) roundTrip(cmd nvmewire.Command, respBuf []byte) (uint16, []byte, error) {
	status, err := t.Submit(context.Background(), 0, cmd.MarshalBinary(), respBuf)
	return status, respBuf, err
}

func (t *Transport) readResponse(data []byte) (uint16, error) {
	r := t.conn.Reader()
	hdr, err := r.Next(6)
	if err != nil {
		return 0, ierrors.Wrap("tcp.readResponse", err)
	}
	status := binary.LittleEndian.Uint16(hdr[0:2])
	respLen := binary.LittleEndian.Uint32(hdr[2:6])

	if respLen > 0 {
		body, err := r.Next(int(respLen))
		if err != nil {
			return 0, ierrors.Wrap("tcp.readResponse", err)
		}
		copy(data, body)
	}
	_ = r.Release(nil)
	return status, nil
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func trimNulls(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

var _ interfaces.Transport = (*Transport)(nil)
