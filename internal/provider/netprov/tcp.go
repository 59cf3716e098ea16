package netprov

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/provider"
)

func init() {
	provider.DefaultRegistrations = append(provider.DefaultRegistrations, registerTCP)
}

func registerTCP(r *provider.Registry) {
	r.Register("tcp", func(ctx context.Context, location string) (provider.Endpoint, error) {
		return NewTCP(location), nil
	})
}

// TCPEndpoint treats location as a "host:port" pair and gives a single
// channel direct access to the raw socket: Open ignores the requested
// name and dials a fresh connection, Read/Write pass straight through.
// There is exactly one "file" on a TCP endpoint — the connection
// itself — so OpenDir reports it and nothing else (spec.md §1 scopes
// TCP providers to "obeying the provider contract", not emulating a
// remote directory).
type TCPEndpoint struct {
	addr string
}

func NewTCP(location string) *TCPEndpoint {
	return &TCPEndpoint{addr: location}
}

type tcpFile struct {
	conn net.Conn
	r    *bufio.Reader
}

func (f *tcpFile) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *tcpFile) Write(p []byte) (int, error) { return f.conn.Write(p) }
func (f *tcpFile) Close() error                { return f.conn.Close() }
func (f *tcpFile) Position(ctx context.Context, n uint32) error {
	return cbmerr.New(cbmerr.FAULT, "POSITION is not supported on the tcp provider")
}

func (e *TCPEndpoint) Open(ctx context.Context, channel int, name string, mode charset.AccessMode, fileType string, recordLen int) (provider.File, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, cbmerr.New(cbmerr.DRIVE_NOT_READY, err.Error())
	}
	return &tcpFile{conn: conn, r: bufio.NewReader(conn)}, nil
}

type tcpDirFile struct {
	lines []string
	pos   int
}

func (d *tcpDirFile) Read(p []byte) (int, error) {
	if d.pos >= len(d.lines) {
		return 0, io.EOF
	}
	n := copy(p, d.lines[d.pos])
	d.pos++
	return n, nil
}
func (d *tcpDirFile) Write(p []byte) (int, error) {
	return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "directory not writable")
}
func (d *tcpDirFile) Close() error { return nil }
func (d *tcpDirFile) Position(ctx context.Context, n uint32) error {
	return cbmerr.New(cbmerr.FAULT, "position not supported on directory listing")
}

func (e *TCPEndpoint) OpenDir(ctx context.Context, channel int, pattern string) (provider.File, error) {
	return &tcpDirFile{lines: []string{
		"0 \"" + strings.ToUpper(e.addr) + "\" TC\n",
		"0 BLOCKS FREE.\n",
	}}, nil
}

func (e *TCPEndpoint) Scratch(ctx context.Context, pattern string) (int, error) {
	return 0, cbmerr.New(cbmerr.FAULT, "tcp provider does not support SCRATCH")
}

func (e *TCPEndpoint) Rename(ctx context.Context, from, to string) error {
	return cbmerr.New(cbmerr.FAULT, "tcp provider does not support RENAME")
}

func (e *TCPEndpoint) Copy(ctx context.Context, dest string, sources []string) error {
	return cbmerr.New(cbmerr.FAULT, "tcp provider does not support COPY")
}

func (e *TCPEndpoint) Chdir(ctx context.Context, name string) error {
	return cbmerr.New(cbmerr.FAULT, "tcp provider has no directory hierarchy")
}

func (e *TCPEndpoint) Mkdir(ctx context.Context, name string) error {
	return cbmerr.New(cbmerr.FAULT, "tcp provider does not support MKDIR")
}

func (e *TCPEndpoint) Rmdir(ctx context.Context, name string) error {
	return cbmerr.New(cbmerr.FAULT, "tcp provider does not support RMDIR")
}

func (e *TCPEndpoint) Block(ctx context.Context, op provider.BlockOp, channel int, track, sector byte) (*provider.File, []byte, error) {
	return nil, nil, cbmerr.New(cbmerr.FAULT, "tcp provider has no block addressing")
}

func (e *TCPEndpoint) Info(ctx context.Context) (provider.Info, error) {
	return provider.Info{StatusLine: "TCP " + e.addr}, nil
}

func (e *TCPEndpoint) Format(ctx context.Context, name, id string) error {
	return cbmerr.New(cbmerr.FAULT, "tcp provider does not support FORMAT")
}

func (e *TCPEndpoint) Close() error { return nil }
