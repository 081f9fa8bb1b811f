package vital

import (
	"fmt"
)

// AgeGroup selects the plausible-range table applied during validation.
type AgeGroup string

const (
	AgePediatric AgeGroup = "pediatric"
	AgeAdult     AgeGroup = "adult"
	AgeElderly   AgeGroup = "elderly"
)

// ValidationResult reports the outcome of bounds checking. Errors block
// persistence; warnings are informational and forwarded to the alerting path.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// bounds is a physically-measurable range plus the narrower band outside of
// which a warning is raised.
type bounds struct {
	Min, Max          float64 // outside: error, value is not physically plausible
	WarnLow, WarnHigh float64 // outside: warning only
}

// rangeTable holds per-reading-type plausible ranges by age group. Plugins may
// tighten these via their own ValidateData wrappers, never loosen them.
var rangeTable = map[ReadingType]map[AgeGroup]bounds{
	ReadingBloodGlucose: {
		AgePediatric: {Min: 20, Max: 500, WarnLow: 70, WarnHigh: 200},
		AgeAdult:     {Min: 20, Max: 600, WarnLow: 70, WarnHigh: 250},
		AgeElderly:   {Min: 20, Max: 600, WarnLow: 80, WarnHigh: 250},
	},
	ReadingBloodPressure: {
		AgePediatric: {Min: 50, Max: 180, WarnLow: 80, WarnHigh: 130},
		AgeAdult:     {Min: 50, Max: 260, WarnLow: 90, WarnHigh: 180},
		AgeElderly:   {Min: 50, Max: 260, WarnLow: 90, WarnHigh: 180},
	},
	ReadingHeartRate: {
		AgePediatric: {Min: 30, Max: 240, WarnLow: 60, WarnHigh: 160},
		AgeAdult:     {Min: 20, Max: 250, WarnLow: 40, WarnHigh: 130},
		AgeElderly:   {Min: 20, Max: 250, WarnLow: 45, WarnHigh: 120},
	},
	ReadingOxygenSaturation: {
		AgePediatric: {Min: 50, Max: 100, WarnLow: 92, WarnHigh: 100},
		AgeAdult:     {Min: 50, Max: 100, WarnLow: 90, WarnHigh: 100},
		AgeElderly:   {Min: 50, Max: 100, WarnLow: 90, WarnHigh: 100},
	},
	ReadingBodyTemperature: {
		AgePediatric: {Min: 30, Max: 44, WarnLow: 36, WarnHigh: 38},
		AgeAdult:     {Min: 30, Max: 44, WarnLow: 35.5, WarnHigh: 38},
		AgeElderly:   {Min: 30, Max: 44, WarnLow: 35.5, WarnHigh: 37.8},
	},
	ReadingWeight: {
		AgePediatric: {Min: 1, Max: 150, WarnLow: 10, WarnHigh: 120},
		AgeAdult:     {Min: 20, Max: 400, WarnLow: 40, WarnHigh: 200},
		AgeElderly:   {Min: 20, Max: 400, WarnLow: 40, WarnHigh: 180},
	},
}

// warningLabel names the clinical condition behind an out-of-band value so the
// alerting path can message it.
func warningLabel(rt ReadingType, low bool) string {
	switch rt {
	case ReadingBloodGlucose:
		if low {
			return "hypoglycemia detected"
		}
		return "hyperglycemia detected"
	case ReadingBloodPressure:
		if low {
			return "hypotension detected"
		}
		return "hypertension detected"
	case ReadingHeartRate:
		if low {
			return "bradycardia detected"
		}
		return "tachycardia detected"
	case ReadingOxygenSaturation:
		return "low oxygen saturation detected"
	case ReadingBodyTemperature:
		if low {
			return "hypothermia detected"
		}
		return "fever detected"
	}
	if low {
		return "value below expected range"
	}
	return "value above expected range"
}

// Validate applies the per-reading-type plausible range table. An unknown
// reading type or a value outside the physically measurable range yields an
// error; values inside the measurable range but outside the expected band
// yield warnings only.
func Validate(data *VitalData, ageGroup AgeGroup) ValidationResult {
	result := ValidationResult{IsValid: true}

	if data == nil {
		return ValidationResult{IsValid: false, Errors: []string{"reading is nil"}}
	}
	if data.Timestamp.IsZero() {
		result.IsValid = false
		result.Errors = append(result.Errors, "timestamp is required")
	}

	byAge, ok := rangeTable[data.ReadingType]
	if !ok {
		result.IsValid = false
		result.Errors = append(result.Errors, fmt.Sprintf("unknown reading type %q", data.ReadingType))
		return result
	}
	b, ok := byAge[ageGroup]
	if !ok {
		b = byAge[AgeAdult]
	}

	if data.PrimaryValue < b.Min || data.PrimaryValue > b.Max {
		result.IsValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s value %.1f outside measurable range [%.1f, %.1f]",
				data.ReadingType, data.PrimaryValue, b.Min, b.Max))
		return result
	}

	if data.PrimaryValue < b.WarnLow {
		result.Warnings = append(result.Warnings, warningLabel(data.ReadingType, true))
	} else if data.PrimaryValue > b.WarnHigh {
		result.Warnings = append(result.Warnings, warningLabel(data.ReadingType, false))
	}

	// Blood pressure carries diastolic as the secondary value.
	if data.ReadingType == ReadingBloodPressure {
		if data.SecondaryValue == nil {
			result.IsValid = false
			result.Errors = append(result.Errors, "blood_pressure requires a diastolic secondary value")
		} else {
			dia := *data.SecondaryValue
			if dia < 30 || dia > 200 {
				result.IsValid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("diastolic value %.1f outside measurable range [30.0, 200.0]", dia))
			} else if dia > 120 {
				result.Warnings = append(result.Warnings, "diastolic hypertension detected")
			}
		}
	}

	return result
}
