package domain

import (
	"encoding/json"
	"math"
	"strings"
)

// Location is one WGS84 coordinate pair.
// Params: latitude and longitude in degrees.
// Returns: point used by transitions, fixes, and reports.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether coordinates are finite and within WGS84 bounds.
// Params: none.
// Returns: true for a usable coordinate.
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// Area is one circular monitored region declared by a campaign.
// Params: id, display title, center coordinates, and radius in meters.
// Returns: immutable region value; absent coordinates are NaN and absent radius is zero.
type Area struct {
	ID           string
	Title        string
	Lat          float64
	Lon          float64
	RadiusMeters int
}

// areaJSON is the wire shape of Area with presence-aware fields.
type areaJSON struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Lat          *float64 `json:"latitude,omitempty"`
	Lon          *float64 `json:"longitude,omitempty"`
	RadiusMeters *int     `json:"radiusInMeters,omitempty"`
}

// NewArea builds a fully specified area.
// Params: id, title, center, and radius in meters.
// Returns: area value.
func NewArea(id, title string, lat, lon float64, radiusMeters int) Area {
	return Area{ID: id, Title: title, Lat: lat, Lon: lon, RadiusMeters: radiusMeters}
}

// Valid reports whether id, center, and radius are all present.
// Params: none.
// Returns: true when the area can be armed.
func (a Area) Valid() bool {
	if strings.TrimSpace(a.ID) == "" {
		return false
	}
	if a.RadiusMeters <= 0 {
		return false
	}
	return a.Center().Valid()
}

// Center returns area center point.
func (a Area) Center() Location {
	return Location{Lat: a.Lat, Lon: a.Lon}
}

// UnmarshalJSON decodes area keeping track of missing fields.
// Params: raw JSON object.
// Returns: decode error.
func (a *Area) UnmarshalJSON(raw []byte) error {
	var wire areaJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	out := Area{ID: wire.ID, Title: wire.Title, Lat: math.NaN(), Lon: math.NaN()}
	if wire.Lat != nil {
		out.Lat = *wire.Lat
	}
	if wire.Lon != nil {
		out.Lon = *wire.Lon
	}
	if wire.RadiusMeters != nil {
		out.RadiusMeters = *wire.RadiusMeters
	}
	*a = out
	return nil
}

// MarshalJSON encodes area omitting coordinates that were never set.
// Params: none.
// Returns: JSON object bytes.
func (a Area) MarshalJSON() ([]byte, error) {
	wire := areaJSON{ID: a.ID, Title: a.Title}
	if !math.IsNaN(a.Lat) {
		lat := a.Lat
		wire.Lat = &lat
	}
	if !math.IsNaN(a.Lon) {
		lon := a.Lon
		wire.Lon = &lon
	}
	if a.RadiusMeters != 0 {
		radius := a.RadiusMeters
		wire.RadiusMeters = &radius
	}
	return json.Marshal(wire)
}
