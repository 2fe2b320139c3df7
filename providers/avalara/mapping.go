package avalara

import (
	"math"
	"strings"

	"pulsegrade/taxrates/models"
)

// jurisdictionType maps AvaTax jurisType names and short codes onto the canonical enum.
// Anything unrecognised is treated as a special district.
func jurisdictionType(jurisType string) models.JurisdictionType {
	switch strings.ToUpper(strings.TrimSpace(jurisType)) {
	case "COUNTRY", "CNT", "FEDERAL":
		return models.JurisdictionFederal
	case "STATE", "STA":
		return models.JurisdictionState
	case "COUNTY", "CTY":
		return models.JurisdictionCounty
	case "CITY", "CIT":
		return models.JurisdictionCity
	default:
		return models.JurisdictionSpecial
	}
}

// resolutionConfidence maps AvaTax resolutionQuality to a confidence score
var resolutionConfidence = map[string]float64{
	"Rooftop":              1.0,
	"Constant":             1.0,
	"Interpolated":         0.9,
	"Intersection":         0.85,
	"PostalCentroidBest":   0.8,
	"PostalCentroidBetter": 0.7,
	"PostalCentroidGood":   0.6,
	"PartialCentroid":      0.5,
	"External":             0.5,
	"RegionCentroid":       0.3,
	"CountryCentroid":      0.2,
	"NotCoded":             0.0,
}

// qualityNotes returns the warnings and errors implied by a resolution tier
func qualityNotes(quality string) (warnings, errs []string) {
	switch quality {
	case "PostalCentroidBest", "PostalCentroidBetter", "PostalCentroidGood":
		warnings = append(warnings, "address resolved to postal code centroid; street could not be matched exactly")
	case "PartialCentroid":
		warnings = append(warnings, "address only partially resolved")
	case "RegionCentroid", "CountryCentroid":
		warnings = append(warnings, "address resolved only to region level; rates may be imprecise")
	case "NotCoded":
		errs = append(errs, "address could not be resolved")
	case "":
		warnings = append(warnings, "provider did not report resolution quality")
	}
	return warnings, errs
}

func confidenceFor(quality string) float64 {
	if c, ok := resolutionConfidence[quality]; ok {
		return c
	}
	return 0.5
}

// percent converts an AvaTax fractional rate (0.0625) to a percentage (6.25)
func percent(fraction float64) float64 {
	return math.Round(fraction*100*1e6) / 1e6
}
