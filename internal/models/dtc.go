package models

// Severity ranks how urgently a trouble code needs attention.
type Severity string

const (
	SeverityUnknown  Severity = "unknown"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DTCEntry represents a diagnostic trouble code with description.
type DTCEntry struct {
	Code           string   `json:"code"`
	Description    string   `json:"description"`
	Severity       Severity `json:"severity"`
	PossibleCauses []string `json:"possibleCauses,omitempty"`
}
