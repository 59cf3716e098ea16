package netprov

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/provider"
)

func init() {
	provider.DefaultRegistrations = append(provider.DefaultRegistrations, registerHTTP)
}

func registerHTTP(r *provider.Registry) {
	r.Register("http", func(ctx context.Context, location string) (provider.Endpoint, error) {
		return NewHTTP(location), nil
	})
}

// HTTPEndpoint treats location as a base URL; Open(name) fetches
// base/name with GET (read) or PUT (write). There is no directory
// listing contract over plain HTTP, so OpenDir returns a single
// synthetic entry naming the endpoint itself — enough for a host to
// confirm the drive is alive, not a real directory (spec.md §1 places
// HTTP providers "beyond naming that they exist" out of scope).
type HTTPEndpoint struct {
	base   string
	client *http.Client
}

func NewHTTP(location string) *HTTPEndpoint {
	base := location
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &HTTPEndpoint{base: strings.TrimSuffix(base, "/"), client: &http.Client{Timeout: 30 * time.Second}}
}

type httpFile struct {
	body  io.ReadCloser
	buf   *bytes.Buffer
	ep    *HTTPEndpoint
	name  string
	write bool
}

func (f *httpFile) Read(p []byte) (int, error) {
	if f.body == nil {
		return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "file opened write-only")
	}
	return f.body.Read(p)
}

func (f *httpFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "file opened read-only")
	}
	return f.buf.Write(p)
}

func (f *httpFile) Close() error {
	if f.body != nil {
		return f.body.Close()
	}
	if f.write {
		req, err := http.NewRequest(http.MethodPut, f.ep.base+"/"+f.name, bytes.NewReader(f.buf.Bytes()))
		if err != nil {
			return cbmerr.New(cbmerr.FAULT, err.Error())
		}
		resp, err := f.ep.client.Do(req)
		if err != nil {
			return cbmerr.New(cbmerr.FAULT, err.Error())
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return cbmerr.New(cbmerr.WRITE_PROTECT, resp.Status)
		}
	}
	return nil
}

func (f *httpFile) Position(ctx context.Context, n uint32) error {
	return cbmerr.New(cbmerr.FAULT, "POSITION is not supported on the http provider")
}

func (e *HTTPEndpoint) Open(ctx context.Context, channel int, name string, mode charset.AccessMode, fileType string, recordLen int) (provider.File, error) {
	switch mode {
	case charset.AccessRead, charset.AccessNone:
		resp, err := e.client.Get(e.base + "/" + name)
		if err != nil {
			return nil, cbmerr.New(cbmerr.FILE_NOT_FOUND, err.Error())
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return nil, cbmerr.New(cbmerr.FILE_NOT_FOUND, name)
		}
		return &httpFile{body: resp.Body, ep: e, name: name}, nil
	case charset.AccessWrite:
		return &httpFile{buf: &bytes.Buffer{}, ep: e, name: name, write: true}, nil
	default:
		return nil, cbmerr.New(cbmerr.FAULT, "http provider only supports R/W access")
	}
}

type staticDirFile struct {
	lines []string
	pos   int
}

func (d *staticDirFile) Read(p []byte) (int, error) {
	if d.pos >= len(d.lines) {
		return 0, io.EOF
	}
	n := copy(p, d.lines[d.pos])
	d.pos++
	return n, nil
}
func (d *staticDirFile) Write(p []byte) (int, error) {
	return 0, cbmerr.New(cbmerr.FILE_TYPE_MISMATCH, "directory not writable")
}
func (d *staticDirFile) Close() error { return nil }
func (d *staticDirFile) Position(ctx context.Context, n uint32) error {
	return cbmerr.New(cbmerr.FAULT, "position not supported on directory listing")
}

func (e *HTTPEndpoint) OpenDir(ctx context.Context, channel int, pattern string) (provider.File, error) {
	return &staticDirFile{lines: []string{
		fmt.Sprintf("0 \"%s\" HT\n", e.base),
		"0 BLOCKS FREE.\n",
	}}, nil
}

func (e *HTTPEndpoint) Scratch(ctx context.Context, pattern string) (int, error) {
	req, err := http.NewRequest(http.MethodDelete, e.base+"/"+pattern, nil)
	if err != nil {
		return 0, cbmerr.New(cbmerr.FAULT, err.Error())
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, cbmerr.New(cbmerr.FAULT, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, cbmerr.New(cbmerr.FILE_NOT_FOUND, resp.Status)
	}
	return 1, nil
}

func (e *HTTPEndpoint) Rename(ctx context.Context, from, to string) error {
	return cbmerr.New(cbmerr.FAULT, "http provider does not support RENAME")
}

func (e *HTTPEndpoint) Copy(ctx context.Context, dest string, sources []string) error {
	return cbmerr.New(cbmerr.FAULT, "http provider does not support COPY")
}

func (e *HTTPEndpoint) Chdir(ctx context.Context, name string) error {
	e.base = e.base + "/" + strings.TrimPrefix(name, "/")
	return nil
}

func (e *HTTPEndpoint) Mkdir(ctx context.Context, name string) error {
	return cbmerr.New(cbmerr.FAULT, "http provider does not support MKDIR")
}

func (e *HTTPEndpoint) Rmdir(ctx context.Context, name string) error {
	return cbmerr.New(cbmerr.FAULT, "http provider does not support RMDIR")
}

func (e *HTTPEndpoint) Block(ctx context.Context, op provider.BlockOp, channel int, track, sector byte) (*provider.File, []byte, error) {
	return nil, nil, cbmerr.New(cbmerr.FAULT, "http provider has no block addressing")
}

func (e *HTTPEndpoint) Info(ctx context.Context) (provider.Info, error) {
	return provider.Info{StatusLine: "HTTP " + e.base}, nil
}

func (e *HTTPEndpoint) Format(ctx context.Context, name, id string) error {
	return cbmerr.New(cbmerr.FAULT, "http provider does not support FORMAT")
}

func (e *HTTPEndpoint) Close() error { return nil }
