package charset_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fsserver/internal/charset"
)

func TestMatchPatternClassic(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "ANYTHING", true},
		{"TEST", "TEST", true},
		{"TEST", "TESTX", false},
		{"TEST*", "TESTX", true},
		{"TE?T", "TEST", true},
		{"TE?T", "TEXT", true},
		{"TE?T", "TOAST", false},
		{"", "", true},
		{"", "X", false},
	}
	for _, c := range cases {
		got := charset.MatchPattern(c.pattern, c.name, false)
		assert.Equalf(t, c.want, got, "classic match(%q, %q)", c.pattern, c.name)
	}
}

func TestMatchPatternAdvanced(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "ANYTHING", true},
		{"TEST", "TEST", true},
		{"TEST*", "TESTX", true},
		{"*X", "TESTX", true},
		{"*X", "TESTY", false},
		{"T*T", "TEST", true},
		{"T*T", "TOAST", true},
		{"T*T", "TOASTY", false},
		{"TE?T", "TEST", true},
		{"A*B*C", "AxxBxxC", true},
		{"A*B*C", "AxxBxx", false},
	}
	for _, c := range cases {
		got := charset.MatchPattern(c.pattern, c.name, true)
		assert.Equalf(t, c.want, got, "advanced match(%q, %q)", c.pattern, c.name)
	}
}

func TestMatchDirPattern(t *testing.T) {
	ok, rest := charset.MatchDirPattern("SUBDIR", "SUBDIR/FILE.PRG")
	assert.True(t, ok)
	assert.Equal(t, "/FILE.PRG", rest)

	ok, rest = charset.MatchDirPattern("SUBDIR", "OTHER/FILE.PRG")
	assert.False(t, ok)
	_ = rest

	ok, rest = charset.MatchDirPattern("SUB", "SU*/FILE.PRG")
	assert.True(t, ok)
	assert.Equal(t, "/FILE.PRG", rest)

	ok, rest = charset.MatchDirPattern("FILE.PRG", "FILE.PRG")
	assert.True(t, ok)
	assert.Equal(t, "", rest)
}
