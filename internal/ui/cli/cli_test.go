package cli

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestDisplayWidth(t *testing.T) {
	assert.Equal(t, 5, DisplayWidth("\033[1;31mhello\033[0m"))
	assert.Equal(t, 3, DisplayWidth("│a│"))
}

func TestPrintCentered(t *testing.T) {
	buf := &bytes.Buffer{}
	PrintCentered(buf, "ab\n\nabcd", 10)
	assert.Equal(t, "   ab\n\n   abcd\n", buf.String())

	buf.Reset()
	PrintCentered(buf, "abcd", 0)
	assert.Equal(t, "abcd\n", buf.String())
}

func TestSummary(t *testing.T) {
	rendered := NewSummary("Training").
		Add("Iterations", 100).
		Add("l1", "0.123").
		Render()
	require.Contains(t, rendered, "Training")
	require.Contains(t, rendered, "Iterations")
	require.Contains(t, rendered, "100")
	require.Contains(t, rendered, "0.123")
	assert.Greater(t, strings.Count(rendered, "\n"), 3)
}
