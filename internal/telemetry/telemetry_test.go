package telemetry

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf})

	l.Info().Str("worker", "w0").Log("started")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	assert.Contains(t, line, `"worker":"w0"`)
	assert.Contains(t, line, `"msg":"started"`)
}

func TestNew_QuietSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Writer: &buf, Quiet: true})

	l.Info().Log("should not appear")
	assert.Empty(t, buf.String())

	l.Warning().Log("should appear")
	assert.NotEmpty(t, buf.String())
}

func TestAllocFailureLogger_LogsOp(t *testing.T) {
	var buf bytes.Buffer
	a := AllocFailureLogger{Logger: New(Config{Writer: &buf})}

	a.LogAllocFailure("newJob")

	assert.Contains(t, buf.String(), `"op":"newJob"`)
}
