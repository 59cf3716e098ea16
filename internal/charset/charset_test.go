package charset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fsserver/internal/charset"
)

func TestConvPETSCIIRoundTrip(t *testing.T) {
	toASCII := charset.Conv(charset.PETSCII, charset.ASCII)
	toPETSCII := charset.Conv(charset.ASCII, charset.PETSCII)

	for c := byte('a'); c <= 'z'; c++ {
		p := toPETSCII(c)
		assert.Equal(t, c, toASCII(p), "round trip for %q", c)
	}
}

func TestConvIdentityOnSameSet(t *testing.T) {
	id := charset.Conv(charset.ASCII, charset.ASCII)
	for _, b := range []byte("HELLO, WORLD!") {
		assert.Equal(t, b, id(b))
	}
}

func TestConvertStringPreservesLength(t *testing.T) {
	in := "TEST.PRG"
	out := charset.ConvertString(charset.ASCII, charset.PETSCII, in)
	assert.Len(t, out, len(in))
}

func TestConvNULAlwaysNUL(t *testing.T) {
	assert.Equal(t, byte(0), charset.Conv(charset.PETSCII, charset.ASCII)(0))
	assert.Equal(t, byte(0), charset.Conv(charset.ASCII, charset.PETSCII)(0))
}
