// Package redact scrubs obvious credentials and personal data from the
// size-capped summaries that leave the serving path: audit records and the
// compacted payload sent to the watchdog model. It is a bounded regex pass,
// not a data-loss-prevention system.
package redact

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/wardenlabs/warden/patterns"
)

// recognizerFile mirrors the Presidio-compatible recognizer YAML format.
type recognizerFile struct {
	Recognizers []recognizerConfig `yaml:"recognizers"`
}

type recognizerConfig struct {
	Name            string          `yaml:"name"`
	SupportedEntity string          `yaml:"supported_entity"`
	Patterns        []patternConfig `yaml:"patterns"`
}

type patternConfig struct {
	Name  string  `yaml:"name"`
	Regex string  `yaml:"regex"`
	Score float64 `yaml:"score"`
}

// compiledPattern is one ready-to-use redaction pattern.
type compiledPattern struct {
	entity  string
	pattern *regexp.Regexp
}

// Scrubber replaces recognized entities with [REDACTED:<ENTITY>] markers.
type Scrubber struct {
	patterns []compiledPattern
}

// NewScrubber builds a scrubber from the embedded default recognizers.
func NewScrubber() (*Scrubber, error) {
	var rf recognizerFile
	if err := yaml.Unmarshal(patterns.RedactionYAML(), &rf); err != nil {
		return nil, fmt.Errorf("parsing embedded redaction patterns: %w", err)
	}
	var compiled []compiledPattern
	for _, rec := range rf.Recognizers {
		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %s/%s: %w", rec.Name, p.Name, err)
			}
			compiled = append(compiled, compiledPattern{entity: rec.SupportedEntity, pattern: re})
		}
	}
	return &Scrubber{patterns: compiled}, nil
}

// MustNewScrubber is NewScrubber that panics on error. The patterns are
// embedded, so a failure here is a build defect, not a runtime condition.
func MustNewScrubber() *Scrubber {
	s, err := NewScrubber()
	if err != nil {
		panic(fmt.Sprintf("building redaction scrubber: %v", err))
	}
	return s
}

// Scrub replaces all recognized entities in text and returns the clean text
// plus the sorted, de-duplicated entity types that were found.
func (s *Scrubber) Scrub(text string) (string, []string) {
	if text == "" {
		return "", nil
	}
	seen := make(map[string]bool)
	for _, cp := range s.patterns {
		if !cp.pattern.MatchString(text) {
			continue
		}
		text = cp.pattern.ReplaceAllString(text, "[REDACTED:"+cp.entity+"]")
		seen[cp.entity] = true
	}
	if len(seen) == 0 {
		return text, nil
	}
	found := make([]string, 0, len(seen))
	for e := range seen {
		found = append(found, e)
	}
	sort.Strings(found)
	return text, found
}
