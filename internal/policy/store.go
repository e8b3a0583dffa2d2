package policy

import (
	"crypto/subtle"
	"strings"
	"sync/atomic"
	"time"
)

// Snapshot is one immutable view of the policy: registered agents, API keys,
// and admission rules. Built by the loader (or tests), published through a
// Store, and never mutated after publication.
type Snapshot struct {
	agents    map[string]*AgentEndpoint
	keys      map[string]*APIKey
	admission Admission
	version   string
	loadedAt  time.Time
}

// NewSnapshot returns an empty snapshot for registration.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		agents:   make(map[string]*AgentEndpoint),
		keys:     make(map[string]*APIKey),
		loadedAt: time.Now().UTC(),
	}
}

// Version returns the snapshot's version tag (content hash set by the loader).
func (s *Snapshot) Version() string { return s.version }

// LoadedAt returns when this snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Admission returns the operator admission rules.
func (s *Snapshot) Admission() Admission { return s.admission }

// RegisterAgent adds an endpoint. Returns DuplicateNameError when the name is
// already taken. Must only be called before the snapshot is published.
func (s *Snapshot) RegisterAgent(ep AgentEndpoint) error {
	if _, exists := s.agents[ep.Name]; exists {
		return &DuplicateNameError{Name: ep.Name}
	}
	if ep.Timeout <= 0 {
		ep.Timeout = DefaultAgentTimeout
	}
	if ep.MaxResultBytes <= 0 {
		ep.MaxResultBytes = DefaultMaxResultBytes
	}
	s.agents[ep.Name] = &ep
	return nil
}

// RegisterKey adds an API key. Returns an error when the key id is already taken.
func (s *Snapshot) RegisterKey(k APIKey) error {
	if _, exists := s.keys[k.KeyID]; exists {
		return &DuplicateNameError{Name: k.KeyID}
	}
	s.keys[k.KeyID] = &k
	return nil
}

// Endpoint returns the registered endpoint for the given agent name.
func (s *Snapshot) Endpoint(name string) (*AgentEndpoint, bool) {
	ep, ok := s.agents[name]
	return ep, ok
}

// Endpoints returns all registered endpoints in no particular order.
func (s *Snapshot) Endpoints() []*AgentEndpoint {
	result := make([]*AgentEndpoint, 0, len(s.agents))
	for _, ep := range s.agents {
		result = append(result, ep)
	}
	return result
}

// IsDestinationAllowed reports whether url matches one of the named agent's
// allowed destination prefixes. Pure string comparison, no network access.
// Returns UnknownAgentError when the agent is not registered.
func (s *Snapshot) IsDestinationAllowed(agentName, url string) (bool, error) {
	ep, ok := s.agents[agentName]
	if !ok {
		return false, &UnknownAgentError{Name: agentName}
	}
	for _, prefix := range ep.AllowedDestinations {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// CheckKeyScope reports whether the key may dispatch the named tool.
// Fails closed: unknown key, revoked key, or tool out of scope all return
// false. This is the single enforcement choke point consulted before every
// tool dispatch.
func (s *Snapshot) CheckKeyScope(keyID, toolName string) bool {
	k, ok := s.keys[keyID]
	if !ok || k.Revoked || toolName == "" {
		return false
	}
	for _, t := range k.Scope {
		if t == toolName {
			return true
		}
	}
	return false
}

// Key returns the API key record for the given id.
func (s *Snapshot) Key(keyID string) (*APIKey, bool) {
	k, ok := s.keys[keyID]
	return k, ok
}

// ResolveSecret maps a presented secret to its key id using constant-time
// comparison. Revoked keys still resolve (so the denial is attributable);
// scope checks handle revocation.
func (s *Snapshot) ResolveSecret(secret string) (string, bool) {
	if secret == "" {
		return "", false
	}
	for id, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k.Secret), []byte(secret)) == 1 {
			return id, true
		}
	}
	return "", false
}

// Store publishes the current snapshot and supports atomic swap on reload.
type Store struct {
	snap atomic.Pointer[Snapshot]
}

// NewStore creates a store publishing the given snapshot.
func NewStore(snap *Snapshot) *Store {
	s := &Store{}
	s.snap.Store(snap)
	return s
}

// Snapshot returns the currently published snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Swap atomically publishes a new snapshot. In-flight turns keep the
// snapshot they started with.
func (s *Store) Swap(snap *Snapshot) {
	s.snap.Store(snap)
}
