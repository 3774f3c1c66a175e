// Package detect implements the detection layer of the prompt firewall:
// regex and contextual pattern scanning plus semantic similarity search
// against a corpus of known-sensitive texts.
package detect

// Kind identifies how a detection was produced
type Kind string

const (
	KindRegex      Kind = "regex"
	KindContextual Kind = "contextual"
	KindSemantic   Kind = "semantic"
)

// Severity levels, ordered low < medium < high < critical
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a severity string onto one of the four levels.
// Unknown or empty strings fall back to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	}
	return SeverityMedium
}

// Span is a half-open [start, end) byte range into the prompt
type Span [2]int

// Detection is a single piece of evidence that a prompt contains
// something a policy may act on. Detections are immutable once emitted.
type Detection struct {
	Type           Kind           `json:"detection_type"`
	MatchedPattern string         `json:"matched_pattern"`
	Confidence     float64        `json:"confidence_score"`
	Severity       Severity       `json:"severity"`
	Category       string         `json:"category"`
	Positions      []Span         `json:"match_positions,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
