package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"pulsegrade/taxrates/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

// addressFlags binds the address and query flags shared by several commands
type addressFlags struct {
	street, line2, city, state, postal, country string
	category, customer, date                    string
}

func (f *addressFlags) bind(cmd *cobra.Command, withQuery bool) {
	cmd.Flags().StringVar(&f.street, "street", "", "street address")
	cmd.Flags().StringVar(&f.line2, "line2", "", "second address line")
	cmd.Flags().StringVar(&f.city, "city", "", "city")
	cmd.Flags().StringVar(&f.state, "state", "", "two-letter state code")
	cmd.Flags().StringVar(&f.postal, "zip", "", "postal code")
	cmd.Flags().StringVar(&f.country, "country", "US", "country code")
	if withQuery {
		cmd.Flags().StringVar(&f.category, "category", "", "product category")
		cmd.Flags().StringVar(&f.customer, "customer", "", "customer type")
		cmd.Flags().StringVar(&f.date, "date", "", "transaction date (YYYY-MM-DD), defaults to today")
	}
}

func (f *addressFlags) address() models.Address {
	return models.Address{
		Line1:      f.street,
		Line2:      f.line2,
		City:       f.city,
		State:      f.state,
		PostalCode: f.postal,
		Country:    f.country,
	}
}

func (f *addressFlags) query() (models.TaxRateQuery, error) {
	q := models.TaxRateQuery{
		Address:         f.address(),
		ProductCategory: f.category,
		CustomerType:    f.customer,
	}
	if f.date != "" {
		d, err := time.Parse(dateLayout, f.date)
		if err != nil {
			return q, fmt.Errorf("invalid --date %q: %w", f.date, err)
		}
		q.TransactionDate = d
	}
	return q, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRates(w io.Writer, resp *models.TaxRateResponse) {
	fmt.Fprintf(w, "Jurisdiction:  %s\n", resp.Jurisdiction)
	fmt.Fprintf(w, "Total rate:    %.4f%%\n", resp.TotalRate)
	fmt.Fprintf(w, "Source:        %s (confidence %.2f, cached %v)\n", resp.Source, resp.Confidence, resp.Cached)
	fmt.Fprintln(w, "\nBreakdown:")
	b := resp.Breakdown
	for _, row := range []struct {
		label string
		rate  float64
	}{{"federal", b.Federal}, {"state", b.State}, {"county", b.County}, {"city", b.City}, {"special", b.Special}} {
		if row.rate != 0 {
			fmt.Fprintf(w, "  %-8s %.4f%%\n", row.label, row.rate)
		}
	}
	fmt.Fprintln(w, "\nComponents:")
	for _, r := range resp.Rates {
		fmt.Fprintf(w, "  %-28s %-8s %.4f%%  effective %s\n", r.Jurisdiction, r.JurisdictionType, r.Rate, r.EffectiveDate.Format(dateLayout))
	}
}

func printValidation(w io.Writer, result *models.AddressValidationResult) {
	fmt.Fprintf(w, "Valid:       %v\n", result.Valid)
	fmt.Fprintf(w, "Confidence:  %.2f\n", result.Confidence)
	fmt.Fprintf(w, "Source:      %s\n", result.Source)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  error:   %s\n", e)
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	if s := result.SuggestedAddress; s != nil {
		parts := []string{s.Line1, s.Line2, s.City, s.State, s.PostalCode}
		var nonEmpty []string
		for _, p := range parts {
			if p != "" {
				nonEmpty = append(nonEmpty, p)
			}
		}
		fmt.Fprintf(w, "Suggested:   %s\n", strings.Join(nonEmpty, ", "))
	}
}

// writeMetrics prints every registered taxrates_* family in the text exposition format
func writeMetrics(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })

	fmt.Fprintln(w, "\n--- Metrics ---")
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "taxrates_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
