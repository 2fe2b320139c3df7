package services

import (
	"context"
	"regexp"
	"strings"

	"pulsegrade/taxrates/metrics"
	"pulsegrade/taxrates/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// LocalSource marks validation results produced without any provider
const LocalSource = "local"

const (
	maxLocalConfidence = 0.7
	errorPenalty       = 0.1
	warningPenalty     = 0.05
	maxFieldLength     = 100
)

var (
	usState     = regexp.MustCompile(`^[A-Za-z]{2}$`)
	usZIP       = regexp.MustCompile(`^\d{5}(-?\d{4})?$`)
	numericOnly = regexp.MustCompile(`^[\d\s]+$`)
	postalJunk  = regexp.MustCompile(`[^\d-]`)
)

// ValidateAddress asks each healthy provider in order and falls back to local
// heuristics when none answers. It never fails.
func (s *TaxRateService) ValidateAddress(ctx context.Context, address models.Address) *models.AddressValidationResult {
	cfg := s.Config()
	for i, name := range s.providerOrder(cfg) {
		if i > 0 && !cfg.EnableFallback {
			break
		}
		p, err := s.registry.Get(name)
		if err != nil || !s.IsHealthy(name) {
			continue
		}
		result, err := invoke(ctx, s, name, cfg.RequestTimeout, func(ctx context.Context) (*models.AddressValidationResult, error) {
			return p.ValidateAddress(ctx, address)
		})
		if err == nil && result != nil {
			metrics.AddressValidationsTotal.WithLabelValues(name, s.environment).Inc()
			return result
		}
		s.log.Debug("address validation via %s failed: %v", name, err)
	}

	metrics.AddressValidationsTotal.WithLabelValues(LocalSource, s.environment).Inc()
	return ValidateLocally(address)
}

// ValidateLocally runs deterministic field checks. Confidence is built from the
// fields that pass, capped at 0.7, then reduced per error and warning.
func ValidateLocally(address models.Address) *models.AddressValidationResult {
	result := &models.AddressValidationResult{Source: LocalSource}
	us := address.CountryOrDefault() == "US"

	street := strings.TrimSpace(address.Line1)
	city := strings.TrimSpace(address.City)
	state := strings.TrimSpace(address.State)
	postal := strings.TrimSpace(address.PostalCode)

	confidence := 0.0

	switch {
	case street == "":
		result.Errors = append(result.Errors, "street address is required")
	case numericOnly.MatchString(street):
		result.Warnings = append(result.Warnings, "street address contains only numbers")
		confidence += 0.2
	default:
		confidence += 0.2
	}

	switch {
	case city == "":
		result.Errors = append(result.Errors, "city is required")
	case numericOnly.MatchString(city):
		result.Errors = append(result.Errors, "city name cannot be only numbers")
	default:
		confidence += 0.2
	}

	switch {
	case state == "":
		result.Errors = append(result.Errors, "state is required")
	case us && !usState.MatchString(state):
		result.Errors = append(result.Errors, "state must be a 2-letter code")
	default:
		confidence += 0.15
	}

	switch {
	case postal == "":
		result.Errors = append(result.Errors, "postal code is required")
	case us && !usZIP.MatchString(postal):
		result.Errors = append(result.Errors, "postal code must be a 5 or 9 digit ZIP code")
	default:
		confidence += 0.15
	}

	for _, f := range []struct{ name, value string }{
		{"street address", address.Line1},
		{"address line 2", address.Line2},
		{"city", address.City},
	} {
		if len(f.value) > maxFieldLength {
			result.Warnings = append(result.Warnings, f.name+" is unusually long")
		}
	}

	confidence = min(confidence, maxLocalConfidence)
	confidence -= errorPenalty*float64(len(result.Errors)) + warningPenalty*float64(len(result.Warnings))
	result.Confidence = roundConfidence(max(confidence, 0))
	result.Valid = len(result.Errors) == 0
	result.SuggestedAddress = suggest(address)
	return result
}

// suggest returns a corrected copy of address, or nil when nothing would change
func suggest(address models.Address) *models.Address {
	suggested := address
	suggested.State = strings.ToUpper(strings.TrimSpace(address.State))
	if address.CountryOrDefault() == "US" {
		suggested.PostalCode = postalJunk.ReplaceAllString(address.PostalCode, "")
	} else {
		suggested.PostalCode = strings.ToUpper(strings.TrimSpace(address.PostalCode))
	}
	if city := strings.TrimSpace(address.City); city != "" {
		// Casers keep state, so each call gets its own
		suggested.City = cases.Title(language.English).String(strings.ToLower(city))
	}
	if suggested == address {
		return nil
	}
	return &suggested
}

func roundConfidence(c float64) float64 {
	const scale = 1e6
	return float64(int64(c*scale+0.5)) / scale
}
