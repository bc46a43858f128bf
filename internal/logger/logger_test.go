package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")

	l, err := New(Config{Level: "debug", File: path, Redaction: true})
	require.NoError(t, err)
	defer l.Close()

	log.Info().Str("key", "sk-abcdefghijklmnopqrstuvwxyz").Msg("provider configured")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "provider configured")
	assert.NotContains(t, string(data), "sk-abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, string(data), redacted)
}

func TestNewInvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "loud"})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.Zerolog().GetLevel().String())
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name    string
		input   string
		leak    string
		kept string
	}{
		{"openai key", "key=sk-proj1234567890abcdefghij", "sk-proj1234567890abcdefghij", "key="},
		{"anthropic key", "sk-ant-REDACTED", "abcdefghijklmnopqrstuv", ""},
		{"tavily key", "using tvly-1234567890abcd", "tvly-1234567890abcd", "using"},
		{"telegram token", "bot 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw0", "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw0", "bot"},
		{"openweather appid", "GET /data/3.0/onecall?lat=1&appid=abc123def", "abc123def", "appid="},
		{"bearer", "Authorization: Bearer eyJhbGciOi.abc", "eyJhbGciOi.abc", "Bearer"},
		{"password", `"password":"hunter2hunter"`, "hunter2hunter", "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Redact(tt.input)
			assert.NotContains(t, out, tt.leak)
			assert.Contains(t, out, tt.kept)
		})
	}
}

func TestRedactorAddPattern(t *testing.T) {
	r := NewRedactor()
	require.NoError(t, r.AddPattern(`farmer-\d+`))
	assert.Equal(t, "id "+redacted, r.Redact("id farmer-42"))
	assert.Error(t, r.AddPattern(`(`))
}

func TestRedactingWriterReportsFullLength(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactor().Wrap(&buf)

	input := []byte("token: abcdefghijklmnopqrstuvwxyz\n")
	n, err := w.Write(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestRotatingWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rot.log")
	rw, err := NewRotatingWriter(path, 0, 2)
	require.NoError(t, err)
	rw.maxSize = 10
	defer rw.Close()

	for _, chunk := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := rw.Write([]byte(chunk))
		require.NoError(t, err)
	}

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dddddddd\n", string(current))

	first, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "cccccccc\n", string(first))

	second, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbb\n", string(second))

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}
