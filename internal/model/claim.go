package model

import "time"

// Source identifies where a claim came from.
type Source string

const (
	SourceSupplier    Source = "supplier"
	SourceDescription Source = "description"
	SourceLabelOCR    Source = "label_ocr"
	SourceHuman       Source = "human"
)

// Priority orders sources for winner selection: human > supplier > label/description.
func (s Source) Priority() int {
	switch s {
	case SourceHuman:
		return 3
	case SourceSupplier:
		return 2
	case SourceLabelOCR, SourceDescription:
		return 1
	default:
		return 0
	}
}

// Boolean claim values after normalization.
const (
	ValueTrue    = "true"
	ValueFalse   = "false"
	ValueUnknown = "unknown"
)

// Claim is a single asserted fact about a SKU attributed to one source.
type Claim struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	SKUID      string    `json:"sku_id"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Source     Source    `json:"source"`
	Confidence float64   `json:"confidence"`
	DocumentID string    `json:"document_id,omitempty"` // set only for label_ocr
	Provenance string    `json:"provenance,omitempty"`  // matched span and matcher kind
	CreatedAt  time.Time `json:"created_at"`
}

// SourceValue is one side of a claim disagreement.
type SourceValue struct {
	Source     Source  `json:"source"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ClaimConflict records disagreeing normalized values for one claim key.
type ClaimConflict struct {
	RunID    string        `json:"run_id"`
	SKUID    string        `json:"sku_id"`
	Key      string        `json:"key"`
	Values   []SourceValue `json:"values"`
	Resolved bool          `json:"resolved"`
}
