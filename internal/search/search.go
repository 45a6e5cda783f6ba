// Package search answers bbox queries over stored assets with an R-tree
// built per request. The store stays authoritative; nothing is indexed
// across requests.
package search

import (
	"fmt"

	"github.com/dhconnelly/rtreego"

	"github.com/gena/ee-map-draw-demo/internal/core/model"
)

const (
	dimensions  = 2
	minChildren = 25
	maxChildren = 50

	// degenerate boxes (points, vertical/horizontal lines) get a tiny
	// extent so rtreego accepts them
	minExtent = 1e-9
)

type Item struct {
	ID  string
	Box model.BBox
}

type spatialItem struct {
	id   string
	rect *rtreego.Rect
}

func (si *spatialItem) Bounds() *rtreego.Rect { return si.rect }

// Filter returns the ids of items whose bounding box intersects the query
// bbox, preserving the input order.
func Filter(items []Item, query model.BBox) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tree := rtreego.NewTree(dimensions, minChildren, maxChildren)
	for _, it := range items {
		r, err := rectOf(it.Box)
		if err != nil {
			return nil, fmt.Errorf("index asset %s: %w", it.ID, err)
		}
		tree.Insert(&spatialItem{id: it.ID, rect: r})
	}

	qr, err := rectOf(query)
	if err != nil {
		return nil, fmt.Errorf("query bbox: %w", err)
	}

	hits := make(map[string]struct{})
	for _, sp := range tree.SearchIntersect(qr) {
		if si, ok := sp.(*spatialItem); ok {
			hits[si.id] = struct{}{}
		}
	}

	out := make([]string, 0, len(hits))
	for _, it := range items {
		if _, ok := hits[it.ID]; ok {
			out = append(out, it.ID)
		}
	}
	return out, nil
}

func rectOf(b model.BBox) (*rtreego.Rect, error) {
	w := b.MaxX - b.MinX
	h := b.MaxY - b.MinY
	if w < minExtent {
		w = minExtent
	}
	if h < minExtent {
		h = minExtent
	}
	return rtreego.NewRect(rtreego.Point{b.MinX, b.MinY}, []float64{w, h})
}
