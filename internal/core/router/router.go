// Package router validates request input and maps each route onto the
// document store or the imagery service.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"

	"github.com/gena/ee-map-draw-demo/internal/assets"
	"github.com/gena/ee-map-draw-demo/internal/core/apperr"
	"github.com/gena/ee-map-draw-demo/internal/core/geom"
	"github.com/gena/ee-map-draw-demo/internal/core/model"
	"github.com/gena/ee-map-draw-demo/internal/core/observability"
	"github.com/gena/ee-map-draw-demo/internal/events"
	"github.com/gena/ee-map-draw-demo/internal/search"
)

// MapService renders a yearly composite into a tile layer.
type MapService interface {
	MapID(ctx context.Context, year int) (string, error)
}

type Handlers struct {
	logger    *slog.Logger
	codec     *geom.Codec
	store     assets.Store
	imagery   MapService
	pub       events.Publisher
	opTimeout time.Duration
}

func New(
	logger *slog.Logger,
	codec *geom.Codec,
	store assets.Store,
	imagery MapService,
	pub events.Publisher,
	opTimeout time.Duration,
) *Handlers {
	if pub == nil {
		pub = events.Nop{}
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Handlers{
		logger:    logger,
		codec:     codec,
		store:     store,
		imagery:   imagery,
		pub:       pub,
		opTimeout: opTimeout,
	}
}

// GetMap handles GET /map/{year}.
func (h *Handlers) GetMap() http.HandlerFunc {
	return h.instrument("/map/{year}", func(w http.ResponseWriter, r *http.Request) {
		year, err := strconv.Atoi(chi.URLParam(r, "year"))
		if err != nil {
			h.writeError(r.Context(), w, apperr.Newf(apperr.KindInvalid, "year must be an integer"))
			return
		}

		mapID, err := h.imagery.MapID(r.Context(), year)
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, model.TileLayer{MapID: mapID})
	})
}

// CreateAsset handles POST (and GET, kept for the original clients) on
// /assets/create. The response echoes the input geometry in its structured
// form and adds the assigned id; the server timestamp is not returned.
func (h *Handlers) CreateAsset() http.HandlerFunc {
	return h.instrument("/assets/create", func(w http.ResponseWriter, r *http.Request) {
		in, err := decodeAsset(r)
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}

		wktText, err := h.codec.ToWKT(in.Geometry)
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}
		cell := h.cellOf(r.Context(), wktText)

		ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
		defer cancel()

		rec, err := h.store.Create(ctx, assets.Record{
			WKT:    wktText,
			Cell:   cell,
			Fields: in.Fields,
		})
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}

		h.pub.Publish(events.Event{Action: events.ActionCreated, AssetID: rec.ID, Cell: cell})

		in.ID = rec.ID
		h.writeJSON(w, http.StatusOK, in)
	})
}

// ListAssets handles GET /assets, ordered by ascending creation time.
func (h *Handlers) ListAssets() http.HandlerFunc {
	return h.instrument("/assets", func(w http.ResponseWriter, r *http.Request) {
		out, err := h.listAssets(r.Context())
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}

		tag := listETag(out)
		w.Header().Set("ETag", tag)
		if match := r.Header.Get("If-None-Match"); match != "" && match == tag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		h.writeJSON(w, http.StatusOK, out)
	})
}

// SearchAssets handles GET /assets/search?bbox=x1,y1,x2,y2.
func (h *Handlers) SearchAssets() http.HandlerFunc {
	return h.instrument("/assets/search", func(w http.ResponseWriter, r *http.Request) {
		bbox, err := parseBBox(r.URL.Query().Get("bbox"))
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}

		all, err := h.listAssets(r.Context())
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}

		items := make([]search.Item, 0, len(all))
		byID := make(map[string]model.Asset, len(all))
		for _, a := range all {
			wktText, err := h.codec.ToWKT(a.Geometry)
			if err != nil {
				continue // already validated during listing
			}
			box, err := geom.BoundsOfWKT(wktText)
			if err != nil {
				continue
			}
			items = append(items, search.Item{ID: a.ID, Box: box})
			byID[a.ID] = a
		}

		ids, err := search.Filter(items, bbox)
		if err != nil {
			h.writeError(r.Context(), w, fmt.Errorf("bbox search: %w", err))
			return
		}

		out := make([]model.Asset, 0, len(ids))
		for _, id := range ids {
			out = append(out, byID[id])
		}
		h.writeJSON(w, http.StatusOK, out)
	})
}

// UpdateAsset handles PUT /assets/update/{id}. Fields absent from the body
// are left untouched; the creation timestamp never changes.
func (h *Handlers) UpdateAsset() http.HandlerFunc {
	return h.instrument("/assets/update/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		in, err := decodeAsset(r)
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}

		wktText, err := h.codec.ToWKT(in.Geometry)
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}
		cell := h.cellOf(r.Context(), wktText)

		ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
		defer cancel()

		err = h.store.Update(ctx, id, assets.Record{
			WKT:    wktText,
			Cell:   cell,
			Fields: in.Fields,
		})
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}

		h.pub.Publish(events.Event{Action: events.ActionUpdated, AssetID: id, Cell: cell})
		h.writeJSON(w, http.StatusOK, in)
	})
}

// DeleteAsset handles DELETE /assets/delete/{id}. Deleting a missing id is
// not an error; callers get 200 either way.
func (h *Handlers) DeleteAsset() http.HandlerFunc {
	return h.instrument("/assets/delete/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
		defer cancel()

		existed, err := h.store.Delete(ctx, id)
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}
		if existed {
			h.pub.Publish(events.Event{Action: events.ActionDeleted, AssetID: id})
		} else {
			h.logger.InfoContext(r.Context(), "no asset with id", "id", id)
		}
		w.WriteHeader(http.StatusOK)
	})
}

// ClearAssets handles GET /assets/clear. On partial failure the remaining
// ids are reported instead of pretending success.
func (h *Handlers) ClearAssets() http.HandlerFunc {
	return h.instrument("/assets/clear", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
		defer cancel()

		deleted, failed, err := h.store.Clear(ctx)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindPartial {
				h.pub.Publish(events.Event{Action: events.ActionCleared, Count: deleted})
				h.writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error":      err.Error(),
					"deleted":    deleted,
					"failed_ids": failed,
				})
				return
			}
			h.writeError(r.Context(), w, err)
			return
		}

		h.pub.Publish(events.Event{Action: events.ActionCleared, Count: deleted})
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ALL ASSETS DELETED"))
	})
}

func (h *Handlers) listAssets(ctx context.Context) ([]model.Asset, error) {
	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()

	recs, err := h.store.List(opCtx)
	if err != nil {
		return nil, err
	}

	out := make([]model.Asset, 0, len(recs))
	for _, rec := range recs {
		gj, err := h.codec.FromWKT(rec.WKT)
		if err != nil {
			// corrupt stored geometry: skip the record, keep the listing
			observability.IncCorruptGeometry()
			h.logger.WarnContext(ctx, "skipping asset with unparsable geometry",
				"id", rec.ID, "err", err)
			continue
		}
		out = append(out, model.Asset{
			ID:        rec.ID,
			Geometry:  gj,
			Timestamp: rec.Timestamp,
			Fields:    rec.Fields,
		})
	}
	return out, nil
}

// cellOf tags geometry with its H3 cell; failures only cost the tag.
func (h *Handlers) cellOf(ctx context.Context, wktText string) string {
	cell, err := h.codec.CellForWKT(wktText)
	if err != nil {
		h.logger.DebugContext(ctx, "h3 cell derivation failed", "err", err)
		return ""
	}
	return cell
}

func decodeAsset(r *http.Request) (model.Asset, error) {
	var in model.Asset
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return model.Asset{}, apperr.Wrap(apperr.KindInvalid, "parse request body", err)
	}
	if len(in.Geometry) == 0 {
		return model.Asset{}, apperr.New(apperr.KindInvalid, "missing geometry")
	}
	return in, nil
}

func parseBBox(raw string) (model.BBox, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 4 {
		return model.BBox{}, apperr.New(apperr.KindInvalid,
			"bbox must be 4 comma-separated values: x1,y1,x2,y2")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.BBox{}, apperr.Newf(apperr.KindInvalid, "bbox value %d: %v", i+1, err)
		}
		vals[i] = f
	}
	bbox := model.BBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}
	if !bbox.Valid() {
		return model.BBox{}, apperr.New(apperr.KindInvalid,
			"bbox must be lon/lat with x2>x1 and y2>y1")
	}
	return bbox, nil
}

// listETag hashes ids and timestamps so clients can revalidate cheaply.
func listETag(list []model.Asset) string {
	d := xxhash.New()
	for _, a := range list {
		_, _ = d.WriteString(a.ID)
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(strconv.FormatInt(a.Timestamp.UnixNano(), 10))
		_, _ = d.WriteString(";")
	}
	return fmt.Sprintf("\"%016x\"", d.Sum64())
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "err", err)
	}
}

func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "err", err)
	} else {
		h.logger.DebugContext(ctx, "request rejected", "err", err)
	}

	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Msg
		if ae.Err != nil && status < http.StatusInternalServerError {
			msg = ae.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handlers) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}
