package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("comp", "scheduler"))

	log.Warn("cycle aborted", Int("page", 2), Err(errors.New("boom")))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "cycle aborted", line["message"])
	assert.Equal(t, "scheduler", line["comp"])
	assert.EqualValues(t, 2, line["page"])
	assert.Equal(t, "boom", line["error"])
	assert.Contains(t, line["caller"], "logx_test.go:")
}

func TestZeroLoggerIsSilent(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in, zerolog.InfoLevel), in)
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	got := formatChatLine([]byte(`{"level":"error","message":"delivery failed","timer":"t1","comp":"scheduler","time":"x"}`))
	assert.Equal(t, "[ERROR] delivery failed\n- comp=scheduler\n- timer=t1", got)

	raw := formatChatLine([]byte("  not json  "))
	assert.Equal(t, "not json", raw)

	long := formatChatLine([]byte(`{"message":"` + strings.Repeat("x", 5000) + `"}`))
	assert.Len(t, long, 3500)
	assert.True(t, strings.HasSuffix(long, "..."))
}
