// Package policy holds the outbound-destination allowlist and API-key scopes
// that gate every tool dispatch.
//
// The store is an immutable snapshot built at load time and swapped atomically
// on reload, so the hot read path (CheckKeyScope, IsDestinationAllowed) never
// takes a lock. CheckKeyScope is the single policy-enforcement choke point:
// no other code path may invoke an agent.
package policy

import (
	"fmt"
	"time"
)

// Defaults applied by the loader when a field is omitted.
const (
	DefaultAgentTimeout   = 8 * time.Second
	DefaultMaxResultBytes = 64 * 1024
)

// AgentEndpoint is a static registration entry for one agent. Created at
// process start from the policy file; never mutated at runtime.
type AgentEndpoint struct {
	Name                string        `yaml:"name"`
	Description         string        `yaml:"description"`
	InvocationTarget    string        `yaml:"target"`
	AllowedDestinations []string      `yaml:"allowed_destinations"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxResultBytes      int           `yaml:"max_result_bytes"`
}

// APIKey identifies a client and the tools it may dispatch.
// Empty scope means chat-only: no tool dispatch at all.
// Keys are never deleted, only revoked, to preserve the audit trail.
type APIKey struct {
	KeyID   string   `yaml:"key_id"`
	Secret  string   `yaml:"secret"`
	Scope   []string `yaml:"scope"`
	Revoked bool     `yaml:"revoked"`
}

// Admission holds operator-extensible turn admission rules evaluated by the
// embedded Rego engine, on top of the hard-coded scope checks.
type Admission struct {
	MaxPromptChars int      `yaml:"max_prompt_chars"`
	ForbiddenTools []string `yaml:"forbidden_tools"`
}

// DuplicateNameError indicates two agent registrations with the same name.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("agent %q already registered", e.Name)
}

// UnknownAgentError indicates a lookup for an agent that is not registered.
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.Name)
}
