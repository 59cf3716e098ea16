package handler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fsserver/internal/handler"
)

func TestDefaultChainWrapX00(t *testing.T) {
	c := handler.DefaultChain()
	name, typ := c.Wrap("GAME.P00", "PRG")
	assert.Equal(t, "GAME", name)
	assert.Equal(t, "PRG", typ)
}

func TestDefaultChainWrapTyped(t *testing.T) {
	c := handler.DefaultChain()
	name, typ := c.Wrap("NOTES.SEQ", "PRG")
	assert.Equal(t, "NOTES", name)
	assert.Equal(t, "SEQ", typ)
}

func TestDefaultChainWrapUnclaimedPassesThrough(t *testing.T) {
	c := handler.DefaultChain()
	name, typ := c.Wrap("README", "PRG")
	assert.Equal(t, "README", name)
	assert.Equal(t, "PRG", typ)
}

func TestDefaultChainX00PriorityOverTyped(t *testing.T) {
	// "FOO.R00" could in principle be read by either handler; x00 is
	// registered first and must win, exposing type REL rather than
	// treating ".R00" as a typed-handler extension (which it is not).
	c := handler.DefaultChain()
	name, typ := c.Wrap("FOO.R00", "PRG")
	assert.Equal(t, "FOO", name)
	assert.Equal(t, "REL", typ)
}

func TestDefaultChainUnwrapRoundTrip(t *testing.T) {
	// x00 is first in DefaultChain and x00Letters covers every type
	// typedHandler also covers, so new files are always created in x00
	// (.P00/.S00/.U00/.R00) form; typedHandler.Unwrap is effectively
	// unreachable under DefaultChain. See DESIGN.md.
	c := handler.DefaultChain()
	stored := c.Unwrap("GAME", "PRG")
	assert.Equal(t, "GAME.P00", stored)

	name, typ := c.Wrap(stored, "")
	assert.Equal(t, "GAME", name)
	assert.Equal(t, "PRG", typ)
}

func TestDefaultChainUnwrapUnknownTypePassesThrough(t *testing.T) {
	c := handler.DefaultChain()
	assert.Equal(t, "GAME", c.Unwrap("GAME", ""))
}
