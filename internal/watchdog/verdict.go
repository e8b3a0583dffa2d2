// Package watchdog routes sealed turn records through a secondary scoring
// model and produces one risk verdict per turn. Scoring runs off the
// user-visible path: a scoring outage degrades to an "unavailable" sentinel
// verdict, never into a failed or delayed answer.
package watchdog

import "time"

// RiskLevel is the watchdog's assessment of one turn.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

// Reason tags the watchdog may attach to a verdict. The set is closed so the
// audit trail stays enumerable; free text goes in Notes.
const (
	ReasonPossibleDataExfil  = "possible_data_exfil"
	ReasonDestructiveCommand = "destructive_command"
	ReasonJailbreakProbe     = "jailbreak_probe"
	ReasonOutOfPolicy        = "out_of_policy"
	ReasonAgentAnomaly       = "agent_anomaly"
)

var knownReasons = map[string]bool{
	ReasonPossibleDataExfil:  true,
	ReasonDestructiveCommand: true,
	ReasonJailbreakProbe:     true,
	ReasonOutOfPolicy:        true,
	ReasonAgentAnomaly:       true,
}

// Verdict is the scoring outcome for one sealed turn. Exactly one verdict is
// persisted per correlation id; when scoring fails, Unavailable is set and
// RiskLevel is unknown so audit completeness is preserved.
type Verdict struct {
	CorrelationID string    `json:"correlation_id"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Reasons       []string  `json:"reasons,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	ProducedAt    time.Time `json:"produced_at"`
	Unavailable   bool      `json:"unavailable,omitempty"`
}

// UnavailableVerdict builds the sentinel verdict written when the watchdog
// call failed or timed out.
func UnavailableVerdict(correlationID string) Verdict {
	return Verdict{
		CorrelationID: correlationID,
		RiskLevel:     RiskUnknown,
		ProducedAt:    time.Now().UTC(),
		Unavailable:   true,
	}
}
