package diag

import (
	"strings"
	"testing"

	"github.com/migadu/sieve/sieve/ast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerCounts(t *testing.T) {
	h := NewHandler(0)
	loc := Location{Script: "main", Pos: ast.Position{Line: 3, Column: 1}}

	h.Errorf(loc, "unknown command '%s'", "frop")
	h.Warningf(loc, "deprecated")
	h.Infof(Location{}, "note")

	assert.Equal(t, 1, h.Errors())
	assert.Equal(t, 1, h.Warnings())
	require.Len(t, h.Diagnostics(), 3)
	assert.Equal(t, "main: line 3: unknown command 'frop'", h.Diagnostics()[0].Error())
	assert.Equal(t, "main: line 3: warning: deprecated", h.Diagnostics()[1].Error())
	assert.Error(t, h.Err())
}

func TestHandlerSanitizesMessages(t *testing.T) {
	h := NewHandler(0)
	h.Errorf(Location{Script: "main"}, "header %s", "evil\r\ninjected"+strings.Repeat("x", 1000))

	msg := h.Diagnostics()[0].Message
	assert.NotContains(t, msg, "\n")
	assert.LessOrEqual(t, len(msg), MaxMessageLen+3)
	assert.True(t, strings.HasSuffix(msg, "..."))
}

func TestHandlerCapsErrors(t *testing.T) {
	h := NewHandler(2)
	for i := 0; i < 5; i++ {
		h.Errorf(Location{Script: "main"}, "error %d", i)
	}

	assert.Equal(t, 5, h.Errors())
	diags := h.Diagnostics()
	require.Len(t, diags, 3)
	assert.Equal(t, "too many errors", diags[2].Message)
}

func TestNilHandler(t *testing.T) {
	var h *Handler
	h.Errorf(Location{}, "ignored")
	assert.Equal(t, 0, h.Errors())
	assert.Nil(t, h.Diagnostics())
	assert.NoError(t, h.Err())
}
