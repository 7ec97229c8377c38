package intake

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/claims"
)

//go:embed sku.schema.json
var skuSchema []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("sku.schema.json", bytes.NewReader(skuSchema)); err != nil {
			schemaErr = eris.Wrap(err, "intake: add schema")
			return
		}
		schema, schemaErr = compiler.Compile("sku.schema.json")
		if schemaErr != nil {
			schemaErr = eris.Wrap(schemaErr, "intake: compile schema")
		}
	})
	return schema, schemaErr
}

// Record is one supplier SKU entry.
type Record struct {
	SKU          string           `json:"sku"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Claims       []string         `json:"claims,omitempty"`
	Certificates []CertificateRef `json:"certificates,omitempty"`
	Attributes   map[string]any   `json:"attributes,omitempty"`
}

// CertificateRef names a certificate file, optionally with its type and
// expiry. In JSON it is either a bare file name or an object.
type CertificateRef struct {
	File       string `json:"file"`
	Type       string `json:"type,omitempty"`
	ValidUntil string `json:"valid_until,omitempty"`
}

// UnmarshalJSON accepts a string or an object.
func (c *CertificateRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*c = CertificateRef{File: name}
		return nil
	}
	type plain CertificateRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = CertificateRef(p)
	return nil
}

// ReadRecords reads supplier records from a .json or .xlsx file. Records that
// fail schema validation are returned as rejections; an unreadable file is
// an error.
func ReadRecords(path string) ([]Record, []*claims.AggregationError, error) {
	var docs []any
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		docs, err = readJSONDocs(path)
	case ".xlsx":
		docs, err = readXLSXDocs(path)
	default:
		return nil, nil, eris.Errorf("intake: unsupported sku file %q (want .json or .xlsx)", path)
	}
	if err != nil {
		return nil, nil, err
	}
	return decodeDocs(docs)
}

func readJSONDocs(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "intake: read sku file")
	}
	var docs []any
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, eris.Wrap(err, "intake: sku file must be a json array")
	}
	return docs, nil
}

func decodeDocs(docs []any) ([]Record, []*claims.AggregationError, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, nil, err
	}

	var records []Record
	var rejected []*claims.AggregationError
	seen := make(map[string]bool)
	for i, doc := range docs {
		code := recordCode(doc, i)
		if err := sch.Validate(doc); err != nil {
			rejected = append(rejected, &claims.AggregationError{SKUCode: code, Reason: schemaReason(err)})
			continue
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, nil, eris.Wrap(err, "intake: re-encode record")
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			rejected = append(rejected, &claims.AggregationError{SKUCode: code, Reason: err.Error()})
			continue
		}
		if seen[rec.SKU] {
			rejected = append(rejected, &claims.AggregationError{SKUCode: rec.SKU, Field: "sku", Reason: "duplicate sku code in input"})
			continue
		}
		seen[rec.SKU] = true
		records = append(records, rec)
	}
	return records, rejected, nil
}

func recordCode(doc any, i int) string {
	if m, ok := doc.(map[string]any); ok {
		if s, ok := m["sku"].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("#%d", i+1)
}

// schemaReason flattens a validation error to its leaf causes.
func schemaReason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return "schema: " + strings.Join(msgs, "; ")
}

// attributeString renders a declared attribute value.
func attributeString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
