package models

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func sampleObservation() Observation {
	return Observation{
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Location:  "London",
		Latitude:  51.5074,
		Longitude: -0.1278,
		Fields: map[string]any{
			"temperature":  18.5,
			"humidity":     72.0,
			"msl_pressure": 1013.2,
		},
	}
}

// TestValidate verifies the record invariants: timestamp and location always
// present, at least one measurement field.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Observation)
		wantErr bool
	}{
		{"valid", func(*Observation) {}, false},
		{"missing timestamp", func(o *Observation) { o.Timestamp = time.Time{} }, true},
		{"missing location", func(o *Observation) { o.Location = "" }, true},
		{"no fields", func(o *Observation) { o.Fields = nil }, true},
		{"empty fields", func(o *Observation) { o.Fields = map[string]any{} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := sampleObservation()
			tt.mutate(&obs)
			err := obs.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidObservation) {
				t.Errorf("err = %v, want ErrInvalidObservation", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// TestCanonicalJSONStable verifies repeated canonicalization of equal records
// produces identical bytes regardless of field insertion order.
func TestCanonicalJSONStable(t *testing.T) {
	a := sampleObservation()

	b := sampleObservation()
	b.Fields = map[string]any{
		"msl_pressure": 1013.2,
		"temperature":  18.5,
		"humidity":     72.0,
	}

	ja, err := a.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	jb, err := b.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if !bytes.Equal(ja, jb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ja, jb)
	}
	if bytes.ContainsAny(ja, " \n\t") {
		t.Errorf("canonical form contains whitespace: %s", ja)
	}
}

// TestJSONRoundTrip verifies the flat serialized form survives a round trip,
// including canonical-form equality (required for checksums over reloaded
// cache entries).
func TestJSONRoundTrip(t *testing.T) {
	orig := sampleObservation()
	data, err := orig.CanonicalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Observation
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !got.Timestamp.Equal(orig.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, orig.Timestamp)
	}
	if got.Location != orig.Location || got.Latitude != orig.Latitude || got.Longitude != orig.Longitude {
		t.Errorf("identity fields differ: %+v", got)
	}
	if len(got.Fields) != len(orig.Fields) {
		t.Fatalf("fields = %v, want %v", got.Fields, orig.Fields)
	}

	reencoded, err := got.CanonicalJSON()
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if !bytes.Equal(data, reencoded) {
		t.Errorf("canonical form not stable across round trip:\n%s\n%s", data, reencoded)
	}
}

// TestTimestampSecondPrecision verifies sub-second precision is dropped in
// the serialized form.
func TestTimestampSecondPrecision(t *testing.T) {
	obs := sampleObservation()
	obs.Timestamp = time.Date(2025, 6, 1, 12, 0, 0, 987654321, time.UTC)

	data, err := obs.CanonicalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"timestamp":"2025-06-01T12:00:00Z"`)) {
		t.Errorf("timestamp not truncated to seconds: %s", data)
	}
}
