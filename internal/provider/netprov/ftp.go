// Package netprov implements the network-backed providers SPEC_FULL.md
// §3 names: "ftp" via github.com/jlaffaye/ftp, "http" and "tcp" via the
// standard library (no pack example wires a richer HTTP/TCP client than
// net/http and net themselves provide, so those two stay on the
// standard library per the justification DESIGN.md requires).
//
// These back-ends are explicitly out of scope for deep behavioural
// fidelity (spec.md §1: "HTTP/FTP/TCP providers beyond naming that they
// exist and obey the provider contract") — they satisfy
// provider.Endpoint well enough to ASSIGN and browse a remote location,
// without REL/BLOCK/FORMAT support a remote resource has no analogue
// for.
package netprov

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/provider"
)

func init() {
	provider.DefaultRegistrations = append(provider.DefaultRegistrations, registerFTP)
}

func registerFTP(r *provider.Registry) {
	r.Register("ftp", func(ctx context.Context, location string) (provider.Endpoint, error) {
		return NewFTP(location)
	})
}

// FTPEndpoint mounts an ftp:// URL as its root; location is
// "host:port/remote/dir" with an optional "user:pass@" prefix.
type FTPEndpoint struct {
	addr    string
	user    string
	pass    string
	dir     string
	conn    *ftp.ServerConn
}

func NewFTP(location string) (*FTPEndpoint, error) {
	rest := location
	user, pass := "anonymous", "anonymous@"
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		cred := rest[:at]
		rest = rest[at+1:]
		if colon := strings.IndexByte(cred, ':'); colon >= 0 {
			user, pass = cred[:colon], cred[colon+1:]
		}
	}
	addr, dir := rest, "/"
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		addr, dir = rest[:slash], rest[slash:]
	}
	if !strings.Contains(addr, ":") {
		addr += ":21"
	}
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return nil, cbmerr.New(cbmerr.DRIVE_NOT_READY, err.Error())
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, cbmerr.New(cbmerr.DRIVE_NOT_READY, err.Error())
	}
	return &FTPEndpoint{addr: addr, user: user, pass: pass, dir: dir, conn: conn}, nil
}

func (e *FTPEndpoint) path(name string) string {
	name = strings.TrimPrefix(name, "/")
	if e.dir == "/" || e.dir == "" {
		return "/" + name
	}
	return strings.TrimSuffix(e.dir, "/") + "/" + name
}

type ftpFile struct {
	resp *ftp.Response
	buf  *bytes.Buffer // used for write-mode buffering
	ep   *FTPEndpoint
	name string
	write bool
}

func (f *ftpFile) Read(p []byte) (int, error) {
	if f.resp == nil {
		return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "file opened write-only")
	}
	return f.resp.Read(p)
}

func (f *ftpFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "file opened read-only")
	}
	return f.buf.Write(p)
}

func (f *ftpFile) Close() error {
	if f.resp != nil {
		return f.resp.Close()
	}
	if f.write {
		return f.ep.conn.Stor(f.ep.path(f.name), bytes.NewReader(f.buf.Bytes()))
	}
	return nil
}

func (f *ftpFile) Position(ctx context.Context, n uint32) error {
	return cbmerr.New(cbmerr.FAULT, "POSITION is not supported on the ftp provider")
}

func (e *FTPEndpoint) Open(ctx context.Context, channel int, name string, mode charset.AccessMode, fileType string, recordLen int) (provider.File, error) {
	switch mode {
	case charset.AccessRead, charset.AccessNone:
		resp, err := e.conn.Retr(e.path(name))
		if err != nil {
			return nil, cbmerr.New(cbmerr.FILE_NOT_FOUND, err.Error())
		}
		return &ftpFile{resp: resp, ep: e, name: name}, nil
	case charset.AccessWrite:
		return &ftpFile{buf: &bytes.Buffer{}, ep: e, name: name, write: true}, nil
	default:
		return nil, cbmerr.New(cbmerr.FAULT, "ftp provider only supports R/W access")
	}
}

type ftpDirFile struct {
	lines []string
	pos   int
}

func (d *ftpDirFile) Read(p []byte) (int, error) {
	if d.pos >= len(d.lines) {
		return 0, io.EOF
	}
	n := copy(p, d.lines[d.pos])
	d.pos++
	return n, nil
}
func (d *ftpDirFile) Write(p []byte) (int, error) { return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "directory not writable") }
func (d *ftpDirFile) Close() error                { return nil }
func (d *ftpDirFile) Position(ctx context.Context, n uint32) error {
	return cbmerr.New(cbmerr.FAULT, "position not supported on directory listing")
}

func (e *FTPEndpoint) OpenDir(ctx context.Context, channel int, pattern string) (provider.File, error) {
	entries, err := e.conn.List(e.dir)
	if err != nil {
		return nil, cbmerr.New(cbmerr.DIR_NOT_FOUND, err.Error())
	}
	pat := charset.ConvertString(charset.PETSCII, charset.ASCII, pattern)
	lines := make([]string, 0, len(entries)+2)
	lines = append(lines, "0 \"FTP\" 2A\n")
	for _, fe := range entries {
		if pat != "" && pat != "*" && !charset.MatchPattern(pat, strings.ToUpper(fe.Name), true) {
			continue
		}
		lines = append(lines, strings.ToUpper(fe.Name)+"\n")
	}
	lines = append(lines, "0 BLOCKS FREE.\n")
	return &ftpDirFile{lines: lines}, nil
}

func (e *FTPEndpoint) Scratch(ctx context.Context, pattern string) (int, error) {
	if err := e.conn.Delete(e.path(pattern)); err != nil {
		return 0, cbmerr.New(cbmerr.FILE_NOT_FOUND, err.Error())
	}
	return 1, nil
}

func (e *FTPEndpoint) Rename(ctx context.Context, from, to string) error {
	if err := e.conn.Rename(e.path(from), e.path(to)); err != nil {
		return cbmerr.New(cbmerr.FILE_NOT_FOUND, err.Error())
	}
	return nil
}

func (e *FTPEndpoint) Copy(ctx context.Context, dest string, sources []string) error {
	var buf bytes.Buffer
	for _, src := range sources {
		resp, err := e.conn.Retr(e.path(src))
		if err != nil {
			return cbmerr.New(cbmerr.FILE_NOT_FOUND, err.Error())
		}
		if _, err := io.Copy(&buf, resp); err != nil {
			resp.Close()
			return cbmerr.New(cbmerr.FAULT, err.Error())
		}
		resp.Close()
	}
	if err := e.conn.Stor(e.path(dest), bytes.NewReader(buf.Bytes())); err != nil {
		return cbmerr.New(cbmerr.FAULT, err.Error())
	}
	return nil
}

func (e *FTPEndpoint) Chdir(ctx context.Context, name string) error {
	if strings.HasPrefix(name, "/") {
		e.dir = name
	} else {
		e.dir = strings.TrimSuffix(e.dir, "/") + "/" + name
	}
	return nil
}

func (e *FTPEndpoint) Mkdir(ctx context.Context, name string) error {
	if err := e.conn.MakeDir(e.path(name)); err != nil {
		return cbmerr.New(cbmerr.FAULT, err.Error())
	}
	return nil
}

func (e *FTPEndpoint) Rmdir(ctx context.Context, name string) error {
	if err := e.conn.RemoveDir(e.path(name)); err != nil {
		return cbmerr.New(cbmerr.DIR_NOT_EMPTY, err.Error())
	}
	return nil
}

func (e *FTPEndpoint) Block(ctx context.Context, op provider.BlockOp, channel int, track, sector byte) (*provider.File, []byte, error) {
	return nil, nil, cbmerr.New(cbmerr.FAULT, "ftp provider has no block addressing")
}

func (e *FTPEndpoint) Info(ctx context.Context) (provider.Info, error) {
	return provider.Info{StatusLine: "FTP " + e.addr + e.dir}, nil
}

func (e *FTPEndpoint) Format(ctx context.Context, name, id string) error {
	return cbmerr.New(cbmerr.FAULT, "ftp provider does not support FORMAT")
}

func (e *FTPEndpoint) Close() error {
	return e.conn.Quit()
}
