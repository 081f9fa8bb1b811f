package vital

import (
	"errors"
	"testing"
	"time"
)

func glucoseRules() []MappingRule {
	return []MappingRule{
		{SourceField: "glucose", TargetField: "primary_value", Required: true, Transform: Round1},
		{SourceField: "unit", TargetField: "unit", Transform: DefaultString("mg/dL")},
		{SourceField: "timestamp", TargetField: "timestamp"},
		{SourceField: "meal_context", TargetField: "context.condition"},
	}
}

func TestTransform_RoundTrip(t *testing.T) {
	taken := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)
	raw := map[string]any{
		"glucose":   145.67,
		"timestamp": taken,
	}

	data, err := Transform(raw, "glucose_meter", ReadingBloodGlucose, glucoseRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.PrimaryValue != 145.7 {
		t.Errorf("expected primary value 145.7, got %v", data.PrimaryValue)
	}
	if data.Unit != "mg/dL" {
		t.Errorf("expected defaulted unit mg/dL, got %q", data.Unit)
	}
	if !data.Timestamp.Equal(taken) {
		t.Errorf("expected timestamp %v, got %v", taken, data.Timestamp)
	}
	if data.ReadingType != ReadingBloodGlucose {
		t.Errorf("expected reading type blood_glucose, got %q", data.ReadingType)
	}
}

func TestTransform_RequiredFieldMissing(t *testing.T) {
	raw := map[string]any{"unit": "mg/dL"}

	_, err := Transform(raw, "glucose_meter", ReadingBloodGlucose, glucoseRules())
	if err == nil {
		t.Fatal("expected error for missing required field")
	}
	var te *TransformError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransformError, got %T", err)
	}
	if te.Field != "glucose" {
		t.Errorf("expected error to name field glucose, got %q", te.Field)
	}
}

func TestTransform_DefaultsTimestampToNow(t *testing.T) {
	before := time.Now()
	data, err := Transform(map[string]any{"glucose": 100.0}, "glucose_meter", ReadingBloodGlucose, glucoseRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Timestamp.Before(before) || data.Timestamp.After(time.Now()) {
		t.Errorf("expected timestamp defaulted to now, got %v", data.Timestamp)
	}
}

func TestTransform_PreservesUnmappedFields(t *testing.T) {
	raw := map[string]any{
		"glucose":       98.0,
		"strip_lot":     "L-2231",
		"battery_level": 74,
	}
	data, err := Transform(raw, "glucose_meter", ReadingBloodGlucose, glucoseRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.RawData["strip_lot"] != "L-2231" {
		t.Errorf("expected strip_lot preserved in raw data, got %v", data.RawData["strip_lot"])
	}
	if data.RawData["battery_level"] != 74 {
		t.Errorf("expected battery_level preserved, got %v", data.RawData["battery_level"])
	}
	if _, ok := data.RawData["glucose"]; ok {
		t.Error("mapped fields should not be duplicated under raw data")
	}
}

func TestTransform_ContextCondition(t *testing.T) {
	raw := map[string]any{"glucose": 160.0, "meal_context": "post_meal"}
	data, err := Transform(raw, "glucose_meter", ReadingBloodGlucose, glucoseRules())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.Context == nil || data.Context.Condition != "post_meal" {
		t.Errorf("expected context condition post_meal, got %+v", data.Context)
	}
}

func TestTransform_BadValueType(t *testing.T) {
	raw := map[string]any{"glucose": "not-a-number"}
	_, err := Transform(raw, "glucose_meter", ReadingBloodGlucose, glucoseRules())
	if err == nil {
		t.Fatal("expected error for non-numeric glucose")
	}
}

func TestTransform_NoPrimaryRule(t *testing.T) {
	rules := []MappingRule{{SourceField: "unit", TargetField: "unit"}}
	_, err := Transform(map[string]any{"unit": "mg/dL"}, "glucose_meter", ReadingBloodGlucose, rules)
	if err == nil {
		t.Fatal("expected error when no rule populates a primary value")
	}
}

func TestTransform_TimestampFormats(t *testing.T) {
	taken := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		val  any
	}{
		{"time.Time", taken},
		{"rfc3339", taken.Format(time.RFC3339)},
		{"unix", taken.Unix()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{"glucose": 100.0, "timestamp": tt.val}
			data, err := Transform(raw, "glucose_meter", ReadingBloodGlucose, glucoseRules())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !data.Timestamp.Equal(taken) {
				t.Errorf("expected %v, got %v", taken, data.Timestamp)
			}
		})
	}
}
