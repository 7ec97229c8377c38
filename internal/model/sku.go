package model

import "time"

// DocumentKind distinguishes label artwork from supporting certificates.
type DocumentKind string

const (
	DocumentKindLabel       DocumentKind = "label"
	DocumentKindCertificate DocumentKind = "certificate"
)

// ExtractionStatus is the persisted extraction state of a document.
type ExtractionStatus string

const (
	ExtractionPending       ExtractionStatus = "pending"
	ExtractionTextExtracted ExtractionStatus = "text_extracted"
	ExtractionOCRExtracted  ExtractionStatus = "ocr_extracted"
	ExtractionFailed        ExtractionStatus = "failed"
)

// Done reports whether extraction produced usable text.
func (s ExtractionStatus) Done() bool {
	return s == ExtractionTextExtracted || s == ExtractionOCRExtracted
}

// SKU is the canonical in-memory representation of a supplier product.
type SKU struct {
	ID                string            `json:"id"`
	Code              string            `json:"code"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`      // supplier-declared claim key -> value
	DeclaredClaims    []string          `json:"declared_claims,omitempty"` // raw supplier claim strings
	Documents         []Document        `json:"documents,omitempty"`
	ReextractEligible bool              `json:"reextract_eligible"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Labels returns the SKU's label documents in order.
func (s *SKU) Labels() []Document {
	return s.documentsOfKind(DocumentKindLabel)
}

// Certificates returns the SKU's certificate documents in order.
func (s *SKU) Certificates() []Document {
	return s.documentsOfKind(DocumentKindCertificate)
}

func (s *SKU) documentsOfKind(kind DocumentKind) []Document {
	var out []Document
	for _, d := range s.Documents {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Document is a label or certificate file attached to a SKU.
type Document struct {
	ID          string           `json:"id"`
	SKUID       string           `json:"sku_id"`
	Kind        DocumentKind     `json:"kind"`
	Path        string           `json:"path"`
	ContentHash string           `json:"content_hash"`
	CertType    string           `json:"cert_type,omitempty"`
	ValidUntil  *time.Time       `json:"valid_until,omitempty"`
	Status      ExtractionStatus `json:"status"`
	Method      string           `json:"method,omitempty"`
	Confidence  float64          `json:"confidence"`
	Partial     bool             `json:"partial"`
	Warnings    []string         `json:"warnings,omitempty"`
	Text        string           `json:"text,omitempty"`
	ExtractedAt *time.Time       `json:"extracted_at,omitempty"`
}
