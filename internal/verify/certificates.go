package verify

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/vocab"
)

// Canonical certificate types.
const (
	CertLabNutrition       = "lab_nutrition"
	CertAllergenLab        = "allergen_lab"
	CertSoilAssociation    = "soil_association"
	CertOrganic            = "organic"
	CertFairtrade          = "fairtrade"
	CertCarbonNeutralAudit = "carbon_neutral_audit"
	CertThirdPartyAudit    = "third_party_audit"
	CertSupplierDecl       = "supplier_declaration"
	CertGMOTest            = "gmo_test"
	CertVeganConformity    = "vegan_conformity"
	CertHalal              = "halal"
	CertKosher             = "kosher"
	CertOther              = "other"
)

var certificateTypes = map[string]bool{
	CertLabNutrition:       true,
	CertAllergenLab:        true,
	CertSoilAssociation:    true,
	CertOrganic:            true,
	CertFairtrade:          true,
	CertCarbonNeutralAudit: true,
	CertThirdPartyAudit:    true,
	CertSupplierDecl:       true,
	CertGMOTest:            true,
	CertVeganConformity:    true,
	CertHalal:              true,
	CertKosher:             true,
}

// Declared type names seen in supplier feeds.
var certificateAliases = map[string]string{
	"lab_nutrition_analysis":         CertLabNutrition,
	"nutrition_analysis":             CertLabNutrition,
	"allergen_lab_test":              CertAllergenLab,
	"allergen_test":                  CertAllergenLab,
	"soil_association_certification": CertSoilAssociation,
	"organic_certification":          CertOrganic,
	"organic_certificate":            CertOrganic,
	"fairtrade_license":              CertFairtrade,
	"fairtrade_licence":              CertFairtrade,
	"fairtrade_certificate":          CertFairtrade,
	"carbon_neutral":                 CertCarbonNeutralAudit,
	"carbon_neutral_certificate":     CertCarbonNeutralAudit,
	"third_party":                    CertThirdPartyAudit,
	"declaration":                    CertSupplierDecl,
	"gmo_test_report":                CertGMOTest,
	"non_gmo":                        CertGMOTest,
	"vegan_conformity_statement":     CertVeganConformity,
	"vegan":                          CertVeganConformity,
	"halal_certificate":              CertHalal,
	"kosher_certificate":             CertKosher,
}

// Filename keywords, checked in order; every word of an entry must appear.
var certificateKeywords = []struct {
	words []string
	typ   string
}{
	{[]string{"lab", "nutrition"}, CertLabNutrition},
	{[]string{"lab", "allergen"}, CertAllergenLab},
	{[]string{"soil", "association"}, CertSoilAssociation},
	{[]string{"organic"}, CertOrganic},
	{[]string{"fairtrade"}, CertFairtrade},
	{[]string{"carbon"}, CertCarbonNeutralAudit},
	{[]string{"third", "party"}, CertThirdPartyAudit},
	{[]string{"supplier", "declaration"}, CertSupplierDecl},
	{[]string{"gmo"}, CertGMOTest},
	{[]string{"vegan"}, CertVeganConformity},
	{[]string{"halal"}, CertHalal},
	{[]string{"kosher"}, CertKosher},
}

// IsCertificateType reports whether t is in the canonical enumeration.
func IsCertificateType(t string) bool {
	return certificateTypes[t]
}

// CertificateType resolves the canonical type of a certificate from its
// declared type, falling back to keywords in the file name. Unknown
// certificates resolve to CertOther.
func CertificateType(declared, filename string) string {
	if declared != "" {
		key := vocab.CanonicalKey(declared)
		if certificateTypes[key] {
			return key
		}
		if t, ok := certificateAliases[key]; ok {
			return t
		}
	}
	name := strings.ToLower(filepath.Base(filename))
	for _, kw := range certificateKeywords {
		all := true
		for _, w := range kw.words {
			if !strings.Contains(name, w) {
				all = false
				break
			}
		}
		if all {
			return kw.typ
		}
	}
	return CertOther
}

var validUntilRe = regexp.MustCompile(`(?i)\b(?:valid\s+until|valid\s+to|expiry\s+date|expiration\s+date|expires(?:\s+on)?)\s*[:\-]?\s*(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})`)

// ParseValidUntil finds the validity date in certificate text. ISO dates and
// day-first DD/MM/YYYY dates are recognised.
func ParseValidUntil(text string) (time.Time, bool) {
	m := validUntilRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	return ParseDate(m[1])
}

// ParseDate parses an ISO or DD/MM/YYYY date as UTC midnight.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "2/1/2006", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Expired reports whether a certificate valid until validUntil has lapsed by
// asOf. The certificate is valid through the whole of its last day (UTC); a
// nil date never expires.
func Expired(validUntil *time.Time, asOf time.Time) bool {
	if validUntil == nil {
		return false
	}
	y, m, d := validUntil.UTC().Date()
	nextDay := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	return !asOf.UTC().Before(nextDay)
}
