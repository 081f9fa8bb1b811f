// Package vital defines the canonical physiological reading schema shared by
// every device plugin, the declarative raw-to-canonical transformer, and the
// physiological-bounds validator.
package vital

import (
	"time"
)

// ReadingType identifies the kind of physiological measurement a reading carries.
type ReadingType string

const (
	ReadingBloodGlucose     ReadingType = "blood_glucose"
	ReadingBloodPressure    ReadingType = "blood_pressure"
	ReadingHeartRate        ReadingType = "heart_rate"
	ReadingOxygenSaturation ReadingType = "oxygen_saturation"
	ReadingBodyTemperature  ReadingType = "body_temperature"
	ReadingWeight           ReadingType = "weight"
)

// Context carries optional measurement circumstances supplied by (or derived
// from) the device. Symptoms are derived from the numeric value, never
// independent of it.
type Context struct {
	Condition       string   `json:"condition,omitempty"` // e.g. "fasting", "post_meal", "bedtime"
	Symptoms        []string `json:"symptoms,omitempty"`
	MedicationTaken *bool    `json:"medication_taken,omitempty"`
	MeasurementSite string   `json:"measurement_site,omitempty"`
}

// VitalData is a normalized physiological reading. Timestamp is when the
// reading was taken on the device, not when it was synced.
type VitalData struct {
	DeviceID       string         `json:"device_id"`
	ReadingType    ReadingType    `json:"reading_type"`
	Timestamp      time.Time      `json:"timestamp"`
	PrimaryValue   float64        `json:"primary_value"`
	SecondaryValue *float64       `json:"secondary_value,omitempty"`
	Unit           string         `json:"unit"`
	Context        *Context       `json:"context,omitempty"`
	Quality        *float64       `json:"quality,omitempty"`
	RawData        map[string]any `json:"raw_data,omitempty"`
}

// Float64Ptr returns a pointer to v. Helper for optional numeric fields.
func Float64Ptr(v float64) *float64 { return &v }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
