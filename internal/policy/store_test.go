package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	snap := NewSnapshot()
	require.NoError(t, snap.RegisterAgent(AgentEndpoint{
		Name:             "internet_research",
		InvocationTarget: "http://10.0.0.12:8100/invoke",
		AllowedDestinations: []string{
			"https://en.wikipedia.org/",
			"https://duckduckgo.com/",
		},
		Timeout:        8 * time.Second,
		MaxResultBytes: 4096,
	}))
	require.NoError(t, snap.RegisterKey(APIKey{
		KeyID:  "chat-ui",
		Secret: "wdn_test_secret_0123456789",
		Scope:  []string{"internet_research"},
	}))
	require.NoError(t, snap.RegisterKey(APIKey{
		KeyID:  "chat-only",
		Secret: "wdn_chat_only_0123456789",
	}))
	require.NoError(t, snap.RegisterKey(APIKey{
		KeyID:   "revoked-bot",
		Secret:  "wdn_revoked_0123456789",
		Scope:   []string{"internet_research"},
		Revoked: true,
	}))
	return snap
}

func TestRegisterAgentDuplicateName(t *testing.T) {
	snap := newTestSnapshot(t)
	err := snap.RegisterAgent(AgentEndpoint{
		Name:                "internet_research",
		InvocationTarget:    "http://other:9000/invoke",
		AllowedDestinations: []string{"https://example.org/"},
	})
	require.Error(t, err)
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "internet_research", dup.Name)
}

func TestRegisterAgentAppliesDefaults(t *testing.T) {
	snap := NewSnapshot()
	require.NoError(t, snap.RegisterAgent(AgentEndpoint{
		Name:                "code_runner",
		InvocationTarget:    "http://10.0.0.13:8200/invoke",
		AllowedDestinations: []string{"https://pkg.go.dev/"},
	}))
	ep, ok := snap.Endpoint("code_runner")
	require.True(t, ok)
	assert.Equal(t, DefaultAgentTimeout, ep.Timeout)
	assert.Equal(t, DefaultMaxResultBytes, ep.MaxResultBytes)
}

func TestIsDestinationAllowed(t *testing.T) {
	snap := newTestSnapshot(t)

	tests := []struct {
		name    string
		agent   string
		url     string
		allowed bool
		wantErr bool
	}{
		{"exact prefix", "internet_research", "https://en.wikipedia.org/wiki/Go", true, false},
		{"second prefix", "internet_research", "https://duckduckgo.com/?q=golang", true, false},
		{"outside allowlist", "internet_research", "https://evil.example.com/", false, false},
		{"scheme downgrade", "internet_research", "http://en.wikipedia.org/wiki/Go", false, false},
		{"unknown agent", "math_solver", "https://en.wikipedia.org/", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := snap.IsDestinationAllowed(tt.agent, tt.url)
			if tt.wantErr {
				var unknown *UnknownAgentError
				require.ErrorAs(t, err, &unknown)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, allowed)
		})
	}
}

func TestCheckKeyScopeFailsClosed(t *testing.T) {
	snap := newTestSnapshot(t)

	assert.True(t, snap.CheckKeyScope("chat-ui", "internet_research"))
	assert.False(t, snap.CheckKeyScope("chat-ui", "code_runner"), "tool out of scope")
	assert.False(t, snap.CheckKeyScope("chat-only", "internet_research"), "empty scope = chat only")
	assert.False(t, snap.CheckKeyScope("revoked-bot", "internet_research"), "revoked key")
	assert.False(t, snap.CheckKeyScope("ghost", "internet_research"), "unknown key")
	assert.False(t, snap.CheckKeyScope("chat-ui", ""), "empty tool name")
}

func TestResolveSecret(t *testing.T) {
	snap := newTestSnapshot(t)

	keyID, ok := snap.ResolveSecret("wdn_test_secret_0123456789")
	require.True(t, ok)
	assert.Equal(t, "chat-ui", keyID)

	_, ok = snap.ResolveSecret("nope")
	assert.False(t, ok)
	_, ok = snap.ResolveSecret("")
	assert.False(t, ok)

	// Revoked keys still resolve so denials are attributable.
	keyID, ok = snap.ResolveSecret("wdn_revoked_0123456789")
	require.True(t, ok)
	assert.Equal(t, "revoked-bot", keyID)
}

func TestStoreAtomicSwap(t *testing.T) {
	first := newTestSnapshot(t)
	store := NewStore(first)
	assert.Same(t, first, store.Snapshot())

	second := NewSnapshot()
	store.Swap(second)
	assert.Same(t, second, store.Snapshot())
	// The old snapshot is unchanged for in-flight turns.
	assert.True(t, first.CheckKeyScope("chat-ui", "internet_research"))
}
