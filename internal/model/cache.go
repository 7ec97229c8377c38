package model

import "time"

// ExtractionCache is a cached extraction result keyed by document content hash.
type ExtractionCache struct {
	ContentHash string    `json:"content_hash"`
	Method      string    `json:"method"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	Partial     bool      `json:"partial"`
	Pages       int       `json:"pages"`
	Warnings    []string  `json:"warnings,omitempty"`
	CachedAt    time.Time `json:"cached_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Epoch is one generation of derived state, started by an explicit refresh.
type Epoch struct {
	Number    int       `json:"number"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"started_at"`
}
