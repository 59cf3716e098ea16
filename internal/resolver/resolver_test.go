package resolver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsserver/internal/cbmerr"
	"fsserver/internal/charset"
	"fsserver/internal/provider"
	"fsserver/internal/resolver"
)

// stubEndpoint implements provider.Endpoint with only Chdir behaving
// meaningfully; every other method panics if exercised, since resolver
// tests never call through to them.
type stubEndpoint struct {
	chdirErr map[string]error
	chdirLog []string
}

func (s *stubEndpoint) Open(context.Context, int, string, charset.AccessMode, string, int) (provider.File, error) {
	panic("not used")
}
func (s *stubEndpoint) OpenDir(context.Context, int, string) (provider.File, error) { panic("not used") }
func (s *stubEndpoint) Scratch(context.Context, string) (int, error)                { panic("not used") }
func (s *stubEndpoint) Rename(context.Context, string, string) error                { panic("not used") }
func (s *stubEndpoint) Copy(context.Context, string, []string) error                { panic("not used") }
func (s *stubEndpoint) Chdir(ctx context.Context, name string) error {
	s.chdirLog = append(s.chdirLog, name)
	if s.chdirErr != nil {
		if err, ok := s.chdirErr[name]; ok {
			return err
		}
	}
	return nil
}
func (s *stubEndpoint) Mkdir(context.Context, string) error { panic("not used") }
func (s *stubEndpoint) Rmdir(context.Context, string) error { panic("not used") }
func (s *stubEndpoint) Block(context.Context, provider.BlockOp, int, byte, byte) (*provider.File, []byte, error) {
	panic("not used")
}
func (s *stubEndpoint) Info(context.Context) (provider.Info, error) { panic("not used") }
func (s *stubEndpoint) Format(context.Context, string, string) error { panic("not used") }
func (s *stubEndpoint) Close() error                                 { return nil }

func TestCanonicalize(t *testing.T) {
	assert.Equal(t, "*", resolver.Canonicalize(""))
	assert.Equal(t, "SUBDIR/*", resolver.Canonicalize("SUBDIR/"))
	assert.Equal(t, "TEST.PRG", resolver.Canonicalize("TEST.PRG"))
}

func TestResolveNoDirectoryComponent(t *testing.T) {
	ep := &stubEndpoint{}
	rest, err := resolver.Resolve(context.Background(), ep, "TEST.PRG")
	require.NoError(t, err)
	assert.Equal(t, "TEST.PRG", rest)
	assert.Empty(t, ep.chdirLog)
}

func TestResolveWithDirectoryComponent(t *testing.T) {
	ep := &stubEndpoint{}
	rest, err := resolver.Resolve(context.Background(), ep, "SUBDIR/TEST.PRG")
	require.NoError(t, err)
	assert.Equal(t, "TEST.PRG", rest)
	assert.Equal(t, []string{"SUBDIR"}, ep.chdirLog)
}

func TestResolveEmptyPatternDefaultsToWildcard(t *testing.T) {
	ep := &stubEndpoint{}
	rest, err := resolver.Resolve(context.Background(), ep, "SUBDIR/")
	require.NoError(t, err)
	assert.Equal(t, "*", rest)
}

func TestResolveChdirFaultBecomesDirNotFound(t *testing.T) {
	ep := &stubEndpoint{chdirErr: map[string]error{"MISSING": cbmerr.New(cbmerr.FAULT, "no such dir")}}
	_, err := resolver.Resolve(context.Background(), ep, "MISSING/TEST.PRG")
	require.Error(t, err)
	assert.Equal(t, cbmerr.DIR_NOT_FOUND, cbmerr.As(err).Code)
}

func TestResolveChdirOtherErrorPropagates(t *testing.T) {
	want := cbmerr.New(cbmerr.NO_PERMISSION, "locked")
	ep := &stubEndpoint{chdirErr: map[string]error{"LOCKED": want}}
	_, err := resolver.Resolve(context.Background(), ep, "LOCKED/TEST.PRG")
	require.Error(t, err)
	assert.Equal(t, cbmerr.NO_PERMISSION, cbmerr.As(err).Code)
}
