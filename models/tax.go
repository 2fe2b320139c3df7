package models

import (
	"strings"
	"time"
)

// JurisdictionType is the level of a taxing authority
type JurisdictionType string

const (
	JurisdictionFederal JurisdictionType = "federal"
	JurisdictionState   JurisdictionType = "state"
	JurisdictionCounty  JurisdictionType = "county"
	JurisdictionCity    JurisdictionType = "city"
	JurisdictionSpecial JurisdictionType = "special"
)

// Address is a postal address used for rate lookups and validation
type Address struct {
	Line1      string `json:"line1" yaml:"line1"`
	Line2      string `json:"line2,omitempty" yaml:"line2,omitempty"`
	City       string `json:"city" yaml:"city"`
	State      string `json:"state" yaml:"state"`
	PostalCode string `json:"postalCode" yaml:"postalCode"`
	Country    string `json:"country,omitempty" yaml:"country,omitempty"`
}

// CountryOrDefault returns the upper-cased country, defaulting to US.
func (a Address) CountryOrDefault() string {
	c := strings.ToUpper(strings.TrimSpace(a.Country))
	if c == "" {
		return "US"
	}
	return c
}

// TaxRateQuery is both the provider request payload and the cache key source
type TaxRateQuery struct {
	Address         Address   `json:"address"`
	ProductCategory string    `json:"productCategory,omitempty"`
	CustomerType    string    `json:"customerType,omitempty"`
	TransactionDate time.Time `json:"transactionDate,omitempty"`
}

// TaxRate is one jurisdiction-level rate component. Rate is a percentage (6.25 means 6.25%).
type TaxRate struct {
	Jurisdiction      string           `json:"jurisdiction"`
	JurisdictionType  JurisdictionType `json:"jurisdictionType"`
	Rate              float64          `json:"rate"`
	EffectiveDate     time.Time        `json:"effectiveDate"`
	ExpirationDate    *time.Time       `json:"expirationDate,omitempty"`
	ProductCategories []string         `json:"productCategories,omitempty"`
	Active            bool             `json:"active"`
	Source            string           `json:"source"`
	Confidence        float64          `json:"confidence"`
}

// RateBreakdown sums rates by jurisdiction type
type RateBreakdown struct {
	Federal float64 `json:"federal"`
	State   float64 `json:"state"`
	County  float64 `json:"county"`
	City    float64 `json:"city"`
	Special float64 `json:"special"`
}

// Total returns the sum of every breakdown field.
func (b RateBreakdown) Total() float64 {
	return b.Federal + b.State + b.County + b.City + b.Special
}

// Add credits rate to the field for jurisdiction type t.
func (b *RateBreakdown) Add(t JurisdictionType, rate float64) {
	switch t {
	case JurisdictionFederal:
		b.Federal += rate
	case JurisdictionState:
		b.State += rate
	case JurisdictionCounty:
		b.County += rate
	case JurisdictionCity:
		b.City += rate
	default:
		b.Special += rate
	}
}

// TaxRateResponse is the aggregate result of a rate query
type TaxRateResponse struct {
	Rates        []TaxRate     `json:"rates"`
	TotalRate    float64       `json:"totalRate"`
	Breakdown    RateBreakdown `json:"breakdown"`
	Jurisdiction string        `json:"jurisdiction"`
	Confidence   float64       `json:"confidence"`
	Cached       bool          `json:"cached"`
	Source       string        `json:"source"`
	LastUpdated  time.Time     `json:"lastUpdated"`
}

// NewTaxRateResponse builds a response from rate components, deriving the breakdown and
// total from the same rates so TotalRate == Breakdown.Total() == sum(rates).
func NewTaxRateResponse(rates []TaxRate, jurisdiction, source string, confidence float64) *TaxRateResponse {
	resp := &TaxRateResponse{
		Rates:        rates,
		Jurisdiction: jurisdiction,
		Confidence:   confidence,
		Source:       source,
		LastUpdated:  time.Now(),
	}
	for _, r := range rates {
		resp.Breakdown.Add(r.JurisdictionType, r.Rate)
	}
	resp.TotalRate = resp.Breakdown.Total()
	return resp
}

// Clone returns a deep copy so cached responses cannot be mutated by callers.
func (r *TaxRateResponse) Clone() *TaxRateResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Rates = make([]TaxRate, len(r.Rates))
	for i, rate := range r.Rates {
		rate.ProductCategories = append([]string(nil), rate.ProductCategories...)
		if rate.ExpirationDate != nil {
			exp := *rate.ExpirationDate
			rate.ExpirationDate = &exp
		}
		out.Rates[i] = rate
	}
	return &out
}

// AddressValidationResult is returned by provider and local address validation
type AddressValidationResult struct {
	Valid            bool     `json:"valid"`
	Confidence       float64  `json:"confidence"`
	Errors           []string `json:"errors,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	SuggestedAddress *Address `json:"suggestedAddress,omitempty"`
	Source           string   `json:"source"`
}

// TaxRateUpdate notifies subscribers that a jurisdiction rate changed
type TaxRateUpdate struct {
	Jurisdiction     string           `json:"jurisdiction"`
	JurisdictionType JurisdictionType `json:"jurisdictionType"`
	OldRate          float64          `json:"oldRate"`
	NewRate          float64          `json:"newRate"`
	EffectiveDate    time.Time        `json:"effectiveDate"`
	Source           string           `json:"source"`
	ReceivedAt       time.Time        `json:"receivedAt"`
}
