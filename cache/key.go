package cache

import (
	"strings"

	"pulsegrade/taxrates/models"
)

// KeySeparator joins normalized query fields
const KeySeparator = "|"

// Key derives the cache key for q. Queries differing only in case or whitespace
// produce the same key; an empty country is treated as US.
func Key(q models.TaxRateQuery) string {
	a := q.Address
	date := ""
	if !q.TransactionDate.IsZero() {
		date = q.TransactionDate.Format("2006-01-02")
	}
	fields := []string{
		normalize(a.CountryOrDefault()),
		normalize(a.State),
		normalize(a.City),
		normalize(a.PostalCode),
		normalize(a.Line1),
		normalize(a.Line2),
		normalize(q.ProductCategory),
		normalize(q.CustomerType),
		date,
	}
	return strings.Join(fields, KeySeparator)
}

// normalize lowercases, trims and collapses internal whitespace
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
