package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesPolicyEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() { _ = GetAuditLogger().Close() })

	RecordPolicyAudit(context.Background(), "u1", "escalate", "severe_symptoms", "matched keyword: wilting")
	RecordSessionAudit(context.Background(), "u1", "reset", "success")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)

	assert.Equal(t, "policy", lines[0]["type"])
	assert.Equal(t, "guardrail:escalate", lines[0]["action"])
	meta, ok := lines[0]["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "severe_symptoms", meta["rule_id"])

	assert.Equal(t, "session", lines[1]["type"])
	assert.Equal(t, "reset", lines[1]["action"])
}
