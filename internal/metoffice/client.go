package metoffice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dsoothill/weather-collector/internal/models"
)

var (
	ErrNoStation      = errors.New("no station found for location")
	ErrNoObservations = errors.New("no parseable observations in response")
)

// Transport abstracts the resilient HTTP GET used for both protocol steps.
type Transport interface {
	Get(ctx context.Context, rawURL string, headers map[string]string, query url.Values) ([]byte, error)
}

// Location is the fixed observation site from configuration.
type Location struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// Client talks the two-step Met Office DataHub observation protocol: resolve
// the location to a geohash via the nearest endpoint, then fetch the bounded
// historical observation window for that geohash.
type Client struct {
	baseURL string
	apiKey  string
	loc     Location
	http    Transport
	logger  *zap.Logger
}

func New(baseURL, apiKey string, loc Location, t Transport, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		loc:     loc,
		http:    t,
		logger:  logger,
	}
}

// rawObservation is the upstream wire shape. Absent values stay nil and are
// omitted from the normalized record.
type rawObservation struct {
	Datetime         string   `json:"datetime"`
	Temperature      *float64 `json:"temperature"`
	Humidity         *float64 `json:"humidity"`
	MSLPressure      *float64 `json:"mslp"`
	PressureTendency *float64 `json:"pressure_tendency"`
	Visibility       *float64 `json:"visibility"`
	WeatherCode      *float64 `json:"weather_code"`
	WindDirection    *float64 `json:"wind_direction"`
	WindGust         *float64 `json:"wind_gust"`
	WindSpeed        *float64 `json:"wind_speed"`
}

type nearestEntry struct {
	Geohash string `json:"geohash"`
	Area    string `json:"area"`
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"apikey": c.apiKey,
		"Accept": "application/json",
	}
}

// resolveStation maps the configured coordinates to a station geohash.
// The API accepts coordinates with at most 2 decimal places.
func (c *Client) resolveStation(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(round2(c.loc.Latitude), 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(round2(c.loc.Longitude), 'f', -1, 64))

	c.logger.Info("resolving station for location", zap.String("location", c.loc.Name))
	body, err := c.http.Get(ctx, c.baseURL+"/observation-land/1/nearest", c.headers(), q)
	if err != nil {
		return "", fmt.Errorf("resolve station: %w", err)
	}

	var entries []nearestEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return "", fmt.Errorf("parse nearest response: %w", err)
	}
	if len(entries) == 0 || entries[0].Geohash == "" {
		return "", ErrNoStation
	}

	c.logger.Info("resolved station",
		zap.String("geohash", entries[0].Geohash),
		zap.String("area", entries[0].Area))
	return entries[0].Geohash, nil
}

// fetch returns the raw observation window for the resolved station.
func (c *Client) fetch(ctx context.Context) ([]rawObservation, error) {
	geohash, err := c.resolveStation(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Info("fetching observations", zap.String("geohash", geohash))
	body, err := c.http.Get(ctx, c.baseURL+"/observation-land/1/"+geohash, c.headers(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch observations: %w", err)
	}

	var raw []rawObservation
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse observations response: %w", err)
	}
	return raw, nil
}

// Latest fetches the observation window and returns the single most recent
// reading. Selection is by maximum observation datetime; the feed's ordering
// is not a reliable recency signal.
func (c *Client) Latest(ctx context.Context) (models.Observation, error) {
	raw, err := c.fetch(ctx)
	if err != nil {
		return models.Observation{}, err
	}

	var best models.Observation
	found := false
	for _, r := range raw {
		obs, ok := c.normalize(r)
		if !ok {
			continue
		}
		if !found || obs.Timestamp.After(best.Timestamp) {
			best = obs
			found = true
		}
	}
	if !found {
		return models.Observation{}, ErrNoObservations
	}

	c.logger.Info("selected latest observation",
		zap.Time("observed_at", best.Timestamp),
		zap.Int("fields", len(best.Fields)))
	return best, nil
}

// All fetches the observation window and returns every parseable reading,
// oldest first. Used by the historical importer.
func (c *Client) All(ctx context.Context) ([]models.Observation, error) {
	raw, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	observations := make([]models.Observation, 0, len(raw))
	for _, r := range raw {
		if obs, ok := c.normalize(r); ok {
			observations = append(observations, obs)
		}
	}
	if len(observations) == 0 {
		return nil, ErrNoObservations
	}

	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Timestamp.Before(observations[j].Timestamp)
	})

	c.logger.Info("parsed observation window",
		zap.Int("observations", len(observations)),
		zap.Time("from", observations[0].Timestamp),
		zap.Time("to", observations[len(observations)-1].Timestamp))
	return observations, nil
}

// normalize maps one raw observation onto the canonical record. Entries with
// a missing or malformed datetime are skipped.
func (c *Client) normalize(r rawObservation) (models.Observation, bool) {
	if r.Datetime == "" {
		return models.Observation{}, false
	}
	ts, err := time.Parse(time.RFC3339, r.Datetime)
	if err != nil {
		c.logger.Warn("skipping observation with malformed datetime", zap.String("datetime", r.Datetime))
		return models.Observation{}, false
	}

	fields := make(map[string]any)
	setField(fields, "temperature", r.Temperature)
	setField(fields, "humidity", r.Humidity)
	setField(fields, "msl_pressure", r.MSLPressure)
	setField(fields, "pressure_tendency", r.PressureTendency)
	setField(fields, "visibility", r.Visibility)
	setField(fields, "weather_code", r.WeatherCode)
	setField(fields, "wind_direction", r.WindDirection)
	setField(fields, "wind_gust", r.WindGust)
	setField(fields, "wind_speed", r.WindSpeed)
	if len(fields) == 0 {
		return models.Observation{}, false
	}

	return models.Observation{
		Timestamp: ts.UTC(),
		Location:  c.loc.Name,
		Latitude:  c.loc.Latitude,
		Longitude: c.loc.Longitude,
		Fields:    fields,
	}, true
}

func setField(fields map[string]any, name string, v *float64) {
	if v != nil {
		fields[name] = *v
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
