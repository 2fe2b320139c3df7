package static

import (
	"fmt"
	"os"
	"strings"
	"time"

	"pulsegrade/taxrates/models"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// Table is the on-disk rate table
type Table struct {
	Name          string  `yaml:"name"`
	Confidence    float64 `yaml:"confidence"`
	Jurisdictions []Row   `yaml:"jurisdictions"`
}

// Row is one jurisdiction component and the addresses it applies to
type Row struct {
	Match      Matcher  `yaml:"match"`
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Rate       float64  `yaml:"rate"`
	Effective  string   `yaml:"effective"`
	Expires    string   `yaml:"expires,omitempty"`
	Categories []string `yaml:"categories,omitempty"`

	effective time.Time
	expires   *time.Time
}

// Matcher selects addresses. Empty fields match anything.
type Matcher struct {
	Country      string `yaml:"country"`
	State        string `yaml:"state"`
	City         string `yaml:"city"`
	PostalPrefix string `yaml:"postalPrefix"`
}

// LoadTable reads and parses a rate table file
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate table: %w", err)
	}
	table, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// ParseTable decodes YAML and validates every row
func ParseTable(data []byte) (*Table, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse rate table: %w", err)
	}
	if table.Confidence <= 0 {
		table.Confidence = DefaultConfidence
	}
	if table.Confidence > 1 {
		return nil, fmt.Errorf("rate table confidence must be within (0,1], got %v", table.Confidence)
	}

	for i := range table.Jurisdictions {
		row := &table.Jurisdictions[i]
		if row.Name == "" {
			return nil, fmt.Errorf("jurisdiction %d: name is required", i)
		}
		if _, ok := jurisdictionTypes[strings.ToLower(row.Type)]; !ok {
			return nil, fmt.Errorf("jurisdiction %q: unknown type %q", row.Name, row.Type)
		}
		if row.Rate < 0 {
			return nil, fmt.Errorf("jurisdiction %q: rate must not be negative", row.Name)
		}
		eff, err := time.Parse(dateLayout, row.Effective)
		if err != nil {
			return nil, fmt.Errorf("jurisdiction %q: invalid effective date %q", row.Name, row.Effective)
		}
		row.effective = eff
		if row.Expires != "" {
			exp, err := time.Parse(dateLayout, row.Expires)
			if err != nil {
				return nil, fmt.Errorf("jurisdiction %q: invalid expiry date %q", row.Name, row.Expires)
			}
			if exp.Before(eff) {
				return nil, fmt.Errorf("jurisdiction %q: expires before it takes effect", row.Name)
			}
			row.expires = &exp
		}
	}
	return &table, nil
}

var jurisdictionTypes = map[string]models.JurisdictionType{
	"federal": models.JurisdictionFederal,
	"state":   models.JurisdictionState,
	"county":  models.JurisdictionCounty,
	"city":    models.JurisdictionCity,
	"special": models.JurisdictionSpecial,
}

// matches reports whether the row's matcher accepts address
func (r *Row) matches(a models.Address) bool {
	m := r.Match
	if m.Country != "" && !strings.EqualFold(m.Country, a.CountryOrDefault()) {
		return false
	}
	if m.State != "" && !strings.EqualFold(m.State, strings.TrimSpace(a.State)) {
		return false
	}
	if m.City != "" && !strings.EqualFold(m.City, strings.TrimSpace(a.City)) {
		return false
	}
	if m.PostalPrefix != "" && !strings.HasPrefix(strings.TrimSpace(a.PostalCode), m.PostalPrefix) {
		return false
	}
	return true
}

// activeAt reports whether the row is in force on date
func (r *Row) activeAt(date time.Time) bool {
	if date.Before(r.effective) {
		return false
	}
	return r.expires == nil || !date.After(*r.expires)
}

// overlaps reports whether the row was in force at any point in [from, to]
func (r *Row) overlaps(from, to time.Time) bool {
	if r.effective.After(to) {
		return false
	}
	return r.expires == nil || !r.expires.Before(from)
}

// appliesTo reports whether the row covers category; rows without categories cover everything
func (r *Row) appliesTo(category string) bool {
	if len(r.Categories) == 0 || category == "" {
		return true
	}
	for _, c := range r.Categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

func (r *Row) toTaxRate(source string, confidence float64, date time.Time) models.TaxRate {
	var expires *time.Time
	if r.expires != nil {
		exp := *r.expires
		expires = &exp
	}
	return models.TaxRate{
		Jurisdiction:      r.Name,
		JurisdictionType:  jurisdictionTypes[strings.ToLower(r.Type)],
		Rate:              r.Rate,
		EffectiveDate:     r.effective,
		ExpirationDate:    expires,
		ProductCategories: append([]string(nil), r.Categories...),
		Active:            r.activeAt(date),
		Source:            source,
		Confidence:        confidence,
	}
}
