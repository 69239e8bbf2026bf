package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	strings.Builder
	closed bool
}

func (b *bufferHook) Close() error {
	b.closed = true
	return nil
}

func TestPrinterIndentsEveryLine(t *testing.T) {
	hook := new(bufferHook)
	p, err := NewPrinter("| ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("first\nsecond", 1))
	require.NoError(t, p.Write("third", 2))
	assert.Equal(t, "| first\n| second\n| | third", hook.String())

	require.NoError(t, p.Close())
	assert.True(t, hook.closed)
}

func TestNewPrinterRejectsMissingHooks(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)
	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
}
