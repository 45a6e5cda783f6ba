// Package geom converts asset geometry between its GeoJSON wire form and
// the WKT form kept in the document store, and derives spatial metadata.
package geom

import (
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	geomlib "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
	h3 "github.com/uber/h3-go/v4"

	"github.com/gena/ee-map-draw-demo/internal/core/apperr"
	"github.com/gena/ee-map-draw-demo/internal/core/model"
)

// Codec is safe for concurrent use; the parse cache is keyed by the exact
// WKT string, so memoization cannot change results.
type Codec struct {
	cache *lru.Cache[string, []byte]
	h3Res int
}

func NewCodec(cacheSize, h3Res int) (*Codec, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	if h3Res < 0 || h3Res > 15 {
		return nil, fmt.Errorf("invalid h3 resolution %d (must be 0..15)", h3Res)
	}
	c, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("geom parse cache: %w", err)
	}
	return &Codec{cache: c, h3Res: h3Res}, nil
}

// ToWKT serializes a structured GeoJSON geometry (or a Feature wrapping
// one) into well-known text.
func (c *Codec) ToWKT(raw json.RawMessage) (string, error) {
	g, err := decodeGeoJSON(raw)
	if err != nil {
		return "", err
	}
	s, err := wkt.Marshal(g)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalid, "encode wkt", err)
	}
	return s, nil
}

// FromWKT parses stored well-known text back into GeoJSON.
func (c *Codec) FromWKT(s string) (json.RawMessage, error) {
	if b, ok := c.cache.Get(s); ok {
		return json.RawMessage(b), nil
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("parse wkt: %w", err)
	}
	b, err := geojson.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode geojson: %w", err)
	}
	c.cache.Add(s, b)
	return json.RawMessage(b), nil
}

// CellForWKT returns the H3 cell containing the geometry's bounds center.
// Used for event tagging and logs only, never for correctness.
func (c *Codec) CellForWKT(s string) (string, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return "", fmt.Errorf("parse wkt: %w", err)
	}
	b := g.Bounds()
	center := h3.LatLng{
		Lat: (b.Min(1) + b.Max(1)) / 2,
		Lng: (b.Min(0) + b.Max(0)) / 2,
	}
	cell, err := h3.LatLngToCell(center, c.h3Res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return cell.String(), nil
}

// BoundsOfWKT returns the lon/lat bounding box of stored well-known text.
func BoundsOfWKT(s string) (model.BBox, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return model.BBox{}, fmt.Errorf("parse wkt: %w", err)
	}
	b := g.Bounds()
	return model.BBox{
		MinX: b.Min(0), MinY: b.Min(1),
		MaxX: b.Max(0), MaxY: b.Max(1),
	}, nil
}

func decodeGeoJSON(raw json.RawMessage) (geomlib.T, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.KindInvalid, "missing geometry")
	}

	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, "parse geojson", err)
	}

	if strings.TrimSpace(hdr.Type) == "Feature" {
		var f geojson.Feature
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalid, "parse feature", err)
		}
		if f.Geometry == nil {
			return nil, apperr.New(apperr.KindInvalid, "feature has no geometry")
		}
		return f.Geometry, nil
	}

	var g geomlib.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, "parse geojson", err)
	}
	return g, nil
}
