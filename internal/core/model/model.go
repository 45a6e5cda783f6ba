// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Asset is a user-drawn geographic shape plus arbitrary client properties.
// Known fields are typed; everything else rides along in Fields so the wire
// shape stays schema-less both directions.
type Asset struct {
	ID        string
	Geometry  json.RawMessage // structured GeoJSON on the wire
	Timestamp time.Time       // server-assigned at creation, zero until then
	Fields    map[string]any
}

const (
	keyID        = "id"
	keyGeometry  = "geometry"
	keyTimestamp = "timestamp"
)

func (a Asset) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Fields)+3)
	for k, v := range a.Fields {
		out[k] = v
	}
	if len(a.Geometry) > 0 {
		out[keyGeometry] = json.RawMessage(a.Geometry)
	}
	if a.ID != "" {
		out[keyID] = a.ID
	}
	if !a.Timestamp.IsZero() {
		out[keyTimestamp] = a.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func (a *Asset) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*a = Asset{Fields: make(map[string]any, len(raw))}

	for k, v := range raw {
		switch k {
		case keyGeometry:
			a.Geometry = v
		case keyID:
			var id string
			if err := json.Unmarshal(v, &id); err != nil {
				return err
			}
			a.ID = id
		case keyTimestamp:
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return err
			}
			a.Timestamp = ts
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			a.Fields[k] = val
		}
	}
	return nil
}

// FieldNames returns the extension field names in deterministic order.
func (a Asset) FieldNames() []string {
	names := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// TileLayer is the opaque handle a map client uses to fetch rendered tiles.
type TileLayer struct {
	MapID string `json:"map_id"`
}

// BBox is a lon/lat rectangle used by the asset search endpoint.
type BBox struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

func (b BBox) Valid() bool {
	return b.MinX >= -180 && b.MaxX <= 180 &&
		b.MinY >= -90 && b.MaxY <= 90 &&
		b.MaxX > b.MinX && b.MaxY > b.MinY
}
