package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPolicyYAML = `
version: "1"
agents:
  - name: internet_research
    description: Search the public web through the research agent.
    target: http://10.0.0.12:8100/invoke
    allowed_destinations:
      - https://en.wikipedia.org/
      - https://duckduckgo.com/
    timeout: 8s
    max_result_bytes: 65536
  - name: code_runner
    target: http://10.0.0.13:8200/invoke
    allowed_destinations:
      - https://pkg.go.dev/
api_keys:
  - key_id: chat-ui
    secret: wdn_test_secret_0123456789
    scope: [internet_research, code_runner]
  - key_id: chat-only
    secret: wdn_chat_only_0123456789
admission:
  max_prompt_chars: 8000
  forbidden_tools: [shell_exec]
reload:
  cron: "*/5 * * * *"
`

func writePolicy(t *testing.T, content string) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "warden.policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir, path
}

func TestLoadValidPolicy(t *testing.T) {
	dir, path := writePolicy(t, validPolicyYAML)
	snap, err := Load(context.Background(), path, dir)
	require.NoError(t, err)

	ep, ok := snap.Endpoint("internet_research")
	require.True(t, ok)
	assert.Equal(t, 8*time.Second, ep.Timeout)
	assert.Equal(t, 65536, ep.MaxResultBytes)
	assert.Len(t, ep.AllowedDestinations, 2)

	// Omitted fields fall back to defaults.
	ep, ok = snap.Endpoint("code_runner")
	require.True(t, ok)
	assert.Equal(t, DefaultAgentTimeout, ep.Timeout)
	assert.Equal(t, DefaultMaxResultBytes, ep.MaxResultBytes)

	assert.True(t, snap.CheckKeyScope("chat-ui", "code_runner"))
	assert.False(t, snap.CheckKeyScope("chat-only", "code_runner"))
	assert.Equal(t, 8000, snap.Admission().MaxPromptChars)
	assert.Contains(t, snap.Version(), "1:sha256:")
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	dir, _ := writePolicy(t, validPolicyYAML)
	_, err := Load(context.Background(), "../outside.yaml", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside base directory")
}

func TestParseRejectsBadPolicies(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "duplicate agent names",
			yaml: `
agents:
  - name: web
    target: http://a:1/invoke
    allowed_destinations: [https://a.example/]
  - name: web
    target: http://b:1/invoke
    allowed_destinations: [https://b.example/]
`,
			wantErr: "already registered",
		},
		{
			name: "empty allowlist",
			yaml: `
agents:
  - name: web
    target: http://a:1/invoke
`,
			wantErr: "allowed_destinations",
		},
		{
			name: "non-http destination",
			yaml: `
agents:
  - name: web
    target: http://a:1/invoke
    allowed_destinations: [ftp://a.example/]
`,
			wantErr: "http(s)",
		},
		{
			name: "bad timeout",
			yaml: `
agents:
  - name: web
    target: http://a:1/invoke
    allowed_destinations: [https://a.example/]
    timeout: soon
`,
			wantErr: "invalid timeout",
		},
		{
			name: "short secret",
			yaml: `
api_keys:
  - key_id: weak
    secret: short
`,
			wantErr: "at least 16 characters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReloadCron(t *testing.T) {
	assert.Equal(t, "*/5 * * * *", ReloadCron([]byte(validPolicyYAML)))
	assert.Empty(t, ReloadCron([]byte("version: \"1\"\n")))
}
