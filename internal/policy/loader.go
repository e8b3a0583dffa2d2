package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	wardenotel "github.com/wardenlabs/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/policy")

// policyFile is the YAML shape of warden.policy.yaml.
type policyFile struct {
	Version   string          `yaml:"version"`
	Agents    []agentYAML     `yaml:"agents"`
	APIKeys   []APIKey        `yaml:"api_keys"`
	Admission *Admission      `yaml:"admission"`
	Reload    *reloadYAMLSpec `yaml:"reload"`
}

type agentYAML struct {
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description"`
	Target              string   `yaml:"target"`
	AllowedDestinations []string `yaml:"allowed_destinations"`
	Timeout             string   `yaml:"timeout"`
	MaxResultBytes      int      `yaml:"max_result_bytes"`
}

type reloadYAMLSpec struct {
	Cron string `yaml:"cron"`
}

// ResolvePathUnderBase resolves path relative to baseDir and returns an
// absolute path that is guaranteed to be under baseDir. Prevents path
// traversal when path is user-controlled.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	full = filepath.Clean(full)
	pathAbs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil {
		return "", fmt.Errorf("policy path outside base directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// Load reads and validates a warden.policy.yaml file and builds an immutable
// snapshot. baseDir is the directory path is resolved against; the resolved
// path must stay under baseDir. If baseDir is empty, the working directory
// is used.
func Load(ctx context.Context, path, baseDir string) (*Snapshot, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("policy base directory: %w", err)
		}
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}
	return Parse(content)
}

// Parse builds a snapshot from raw policy YAML.
func Parse(content []byte) (*Snapshot, error) {
	var pf policyFile
	if err := yaml.Unmarshal(content, &pf); err != nil {
		return nil, fmt.Errorf("parsing policy yaml: %w", err)
	}

	snap := NewSnapshot()
	sum := sha256.Sum256(content)
	snap.version = pf.Version + ":sha256:" + hex.EncodeToString(sum[:4])

	for _, a := range pf.Agents {
		ep, err := endpointFromYAML(a)
		if err != nil {
			return nil, err
		}
		if err := snap.RegisterAgent(ep); err != nil {
			return nil, err
		}
	}
	for _, k := range pf.APIKeys {
		if err := validateKey(k); err != nil {
			return nil, err
		}
		if err := snap.RegisterKey(k); err != nil {
			return nil, fmt.Errorf("api key: %w", err)
		}
	}
	if pf.Admission != nil {
		snap.admission = *pf.Admission
	}
	snap.loadedAt = time.Now().UTC()
	return snap, nil
}

// ReloadCron returns the reload schedule from the policy file, or "" when
// periodic reload is not configured.
func ReloadCron(content []byte) string {
	var pf policyFile
	if err := yaml.Unmarshal(content, &pf); err != nil || pf.Reload == nil {
		return ""
	}
	return pf.Reload.Cron
}

func endpointFromYAML(a agentYAML) (AgentEndpoint, error) {
	if a.Name == "" {
		return AgentEndpoint{}, fmt.Errorf("agent with empty name")
	}
	if !strings.HasPrefix(a.Target, "http://") && !strings.HasPrefix(a.Target, "https://") {
		return AgentEndpoint{}, fmt.Errorf("agent %s: target must be an http(s) URL", a.Name)
	}
	if len(a.AllowedDestinations) == 0 {
		return AgentEndpoint{}, fmt.Errorf("agent %s: allowed_destinations must not be empty (default-deny needs explicit prefixes)", a.Name)
	}
	for _, d := range a.AllowedDestinations {
		if !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
			return AgentEndpoint{}, fmt.Errorf("agent %s: destination prefix %q must be an http(s) URL", a.Name, d)
		}
	}
	timeout := DefaultAgentTimeout
	if a.Timeout != "" {
		parsed, err := time.ParseDuration(a.Timeout)
		if err != nil || parsed <= 0 {
			return AgentEndpoint{}, fmt.Errorf("agent %s: invalid timeout %q", a.Name, a.Timeout)
		}
		timeout = parsed
	}
	return AgentEndpoint{
		Name:                a.Name,
		Description:         a.Description,
		InvocationTarget:    a.Target,
		AllowedDestinations: a.AllowedDestinations,
		Timeout:             timeout,
		MaxResultBytes:      a.MaxResultBytes,
	}, nil
}

func validateKey(k APIKey) error {
	if k.KeyID == "" {
		return fmt.Errorf("api key with empty key_id")
	}
	if len(k.Secret) < 16 {
		return fmt.Errorf("api key %s: secret must be at least 16 characters", k.KeyID)
	}
	return nil
}
