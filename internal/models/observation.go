package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Identity keys in the flat serialized form. Everything else in the map is a
// measurement field.
const (
	keyTimestamp = "timestamp"
	keyLocation  = "location_name"
	keyLatitude  = "latitude"
	keyLongitude = "longitude"
)

var ErrInvalidObservation = errors.New("invalid observation")

// Observation is one normalized weather reading ready for storage.
// Fields maps measurement names (temperature, humidity, ...) to float64 or
// string values. Unset measurements are absent keys, never nil values.
type Observation struct {
	Timestamp time.Time
	Location  string
	Latitude  float64
	Longitude float64
	Fields    map[string]any
}

// Validate checks the record invariants: timestamp and location always
// present, at least one measurement field set. Invalid records must not be
// cached or written.
func (o Observation) Validate() error {
	if o.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidObservation)
	}
	if o.Location == "" {
		return fmt.Errorf("%w: missing location", ErrInvalidObservation)
	}
	if len(o.Fields) == 0 {
		return fmt.Errorf("%w: no measurement fields", ErrInvalidObservation)
	}
	return nil
}

// MarshalJSON emits the flat map form used both in the cache file and for
// checksums: identity keys plus one key per measurement field.
func (o Observation) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(o.Fields)+4)
	for k, v := range o.Fields {
		m[k] = v
	}
	m[keyTimestamp] = o.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339)
	m[keyLocation] = o.Location
	m[keyLatitude] = o.Latitude
	m[keyLongitude] = o.Longitude
	return json.Marshal(m)
}

// UnmarshalJSON parses the flat map form produced by MarshalJSON.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	if ts, ok := m[keyTimestamp].(string); ok && ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("parse observation timestamp: %w", err)
		}
		o.Timestamp = parsed.UTC()
	}
	if name, ok := m[keyLocation].(string); ok {
		o.Location = name
	}
	if lat, ok := m[keyLatitude].(float64); ok {
		o.Latitude = lat
	}
	if lon, ok := m[keyLongitude].(float64); ok {
		o.Longitude = lon
	}

	delete(m, keyTimestamp)
	delete(m, keyLocation)
	delete(m, keyLatitude)
	delete(m, keyLongitude)
	if len(m) > 0 {
		o.Fields = m
	} else {
		o.Fields = nil
	}
	return nil
}

// CanonicalJSON returns the stably ordered, whitespace-free serialization of
// the record. encoding/json sorts map keys, so two equal records always
// produce identical bytes; integrity checksums are computed over this form.
func (o Observation) CanonicalJSON() ([]byte, error) {
	return json.Marshal(o)
}
