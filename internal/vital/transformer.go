package vital

import (
	"fmt"
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Mapping rules
// ---------------------------------------------------------------------------

// TransformFunc converts a single raw field value before assignment. Returning
// an error fails the whole transformation.
type TransformFunc func(value any) (any, error)

// MappingRule maps one raw device payload field onto a canonical VitalData
// field. Target names follow the VitalData json tags plus "context.condition"
// and "context.measurement_site" for the context bag.
type MappingRule struct {
	SourceField string
	TargetField string
	Required    bool
	Transform   TransformFunc
}

// TransformError reports a failed raw-to-canonical transformation, naming the
// offending field so plugin authors can fix their rulesets.
type TransformError struct {
	DeviceType string
	Field      string
	Reason     string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: field %q: %s", e.DeviceType, e.Field, e.Reason)
}

// ---------------------------------------------------------------------------
// Common transform funcs
// ---------------------------------------------------------------------------

// Round1 rounds a numeric raw value to one decimal place.
func Round1(value any) (any, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, fmt.Errorf("not a number: %v", value)
	}
	return math.Round(f*10) / 10, nil
}

// DefaultString substitutes def when the raw value is absent or empty.
func DefaultString(def string) TransformFunc {
	return func(value any) (any, error) {
		s, _ := value.(string)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
}

// ---------------------------------------------------------------------------
// Transformation
// ---------------------------------------------------------------------------

// Transform converts an arbitrary raw device payload into a VitalData record
// using the given ruleset. Unmapped raw fields are preserved verbatim under
// RawData for audit. The result always carries ReadingType, Timestamp
// (defaulting to now when the device supplied none) and PrimaryValue, or the
// call fails with a *TransformError.
func Transform(raw map[string]any, deviceType string, readingType ReadingType, rules []MappingRule) (*VitalData, error) {
	data := &VitalData{
		ReadingType: readingType,
		RawData:     map[string]any{},
	}

	mapped := make(map[string]bool, len(rules))
	primarySet := false
	for _, rule := range rules {
		value, ok := raw[rule.SourceField]
		if !ok || value == nil {
			if rule.Required {
				return nil, &TransformError{DeviceType: deviceType, Field: rule.SourceField, Reason: "required field missing"}
			}
			// Optional fields still run their transform so defaults apply.
			if rule.Transform == nil {
				continue
			}
		}
		mapped[rule.SourceField] = true

		if rule.Transform != nil {
			transformed, err := rule.Transform(value)
			if err != nil {
				return nil, &TransformError{DeviceType: deviceType, Field: rule.SourceField, Reason: err.Error()}
			}
			value = transformed
		}

		if err := assign(data, rule.TargetField, value); err != nil {
			return nil, &TransformError{DeviceType: deviceType, Field: rule.SourceField, Reason: err.Error()}
		}
		if rule.TargetField == "primary_value" {
			primarySet = true
		}
	}

	// Preserve everything the ruleset did not claim.
	for k, v := range raw {
		if !mapped[k] {
			data.RawData[k] = v
		}
	}

	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now()
	}
	if !primarySet {
		return nil, &TransformError{DeviceType: deviceType, Field: "primary_value", Reason: "no rule populated a primary value"}
	}
	if data.ReadingType == "" {
		return nil, &TransformError{DeviceType: deviceType, Field: "reading_type", Reason: "reading type not populated"}
	}

	return data, nil
}

func assign(data *VitalData, target string, value any) error {
	switch target {
	case "device_id":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("device_id must be a string, got %T", value)
		}
		data.DeviceID = s
	case "primary_value":
		f, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("primary_value must be numeric, got %T", value)
		}
		data.PrimaryValue = f
	case "secondary_value":
		f, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("secondary_value must be numeric, got %T", value)
		}
		data.SecondaryValue = &f
	case "unit":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("unit must be a string, got %T", value)
		}
		data.Unit = s
	case "quality":
		f, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("quality must be numeric, got %T", value)
		}
		data.Quality = &f
	case "timestamp":
		ts, err := toTime(value)
		if err != nil {
			return err
		}
		data.Timestamp = ts
	case "context.condition":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("context condition must be a string, got %T", value)
		}
		if data.Context == nil {
			data.Context = &Context{}
		}
		data.Context.Condition = s
	case "context.measurement_site":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("measurement site must be a string, got %T", value)
		}
		if data.Context == nil {
			data.Context = &Context{}
		}
		data.Context.MeasurementSite = s
	default:
		return fmt.Errorf("unknown target field %q", target)
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp not RFC3339: %w", err)
		}
		return ts, nil
	case int64:
		return time.Unix(v, 0), nil
	case float64:
		return time.Unix(int64(v), 0), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
}
