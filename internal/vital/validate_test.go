package vital

import (
	"testing"
	"time"
)

func glucoseReading(value float64) *VitalData {
	return &VitalData{
		DeviceID:     "gm-001",
		ReadingType:  ReadingBloodGlucose,
		Timestamp:    time.Now(),
		PrimaryValue: value,
		Unit:         "mg/dL",
	}
}

func TestValidate_NormalGlucose(t *testing.T) {
	res := Validate(glucoseReading(110), AgeAdult)
	if !res.IsValid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", res.Warnings)
	}
}

func TestValidate_WarningsDoNotBlock(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		warning string
	}{
		{"hypoglycemia", 65, "hypoglycemia detected"},
		{"hyperglycemia", 300, "hyperglycemia detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(glucoseReading(tt.value), AgeAdult)
			if !res.IsValid {
				t.Fatalf("warnings must not block the write, got errors: %v", res.Errors)
			}
			if len(res.Warnings) != 1 || res.Warnings[0] != tt.warning {
				t.Errorf("expected warning %q, got %v", tt.warning, res.Warnings)
			}
		})
	}
}

func TestValidate_OutOfMeasurableRange(t *testing.T) {
	res := Validate(glucoseReading(900), AgeAdult)
	if res.IsValid {
		t.Fatal("expected value outside measurable range to be invalid")
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected at least one error")
	}
}

func TestValidate_PediatricTighterBounds(t *testing.T) {
	// 220 mg/dL is inside the adult expected band's error-free zone but past
	// the pediatric warning threshold of 200.
	adult := Validate(glucoseReading(220), AgeAdult)
	ped := Validate(glucoseReading(220), AgePediatric)
	if len(adult.Warnings) != 0 {
		t.Errorf("expected no adult warning at 220, got %v", adult.Warnings)
	}
	if len(ped.Warnings) != 1 {
		t.Errorf("expected pediatric warning at 220, got %v", ped.Warnings)
	}
}

func TestValidate_UnknownReadingType(t *testing.T) {
	data := glucoseReading(100)
	data.ReadingType = "brain_wave"
	res := Validate(data, AgeAdult)
	if res.IsValid {
		t.Fatal("expected unknown reading type to be invalid")
	}
}

func TestValidate_MissingTimestamp(t *testing.T) {
	data := glucoseReading(100)
	data.Timestamp = time.Time{}
	res := Validate(data, AgeAdult)
	if res.IsValid {
		t.Fatal("expected missing timestamp to be invalid")
	}
}

func TestValidate_BloodPressure(t *testing.T) {
	bp := func(sys, dia float64) *VitalData {
		return &VitalData{
			DeviceID:       "bp-001",
			ReadingType:    ReadingBloodPressure,
			Timestamp:      time.Now(),
			PrimaryValue:   sys,
			SecondaryValue: Float64Ptr(dia),
			Unit:           "mmHg",
		}
	}

	res := Validate(bp(120, 80), AgeAdult)
	if !res.IsValid || len(res.Warnings) != 0 {
		t.Errorf("expected clean 120/80, got %+v", res)
	}

	res = Validate(bp(190, 125), AgeAdult)
	if !res.IsValid {
		t.Fatalf("hypertensive readings warn, they do not block: %v", res.Errors)
	}
	if len(res.Warnings) != 2 {
		t.Errorf("expected systolic and diastolic warnings, got %v", res.Warnings)
	}

	missing := bp(120, 80)
	missing.SecondaryValue = nil
	res = Validate(missing, AgeAdult)
	if res.IsValid {
		t.Fatal("expected blood pressure without diastolic to be invalid")
	}
}

func TestValidate_UnknownAgeGroupFallsBackToAdult(t *testing.T) {
	res := Validate(glucoseReading(110), AgeGroup("unknown"))
	if !res.IsValid {
		t.Fatalf("expected fallback to adult bounds, got %v", res.Errors)
	}
}
