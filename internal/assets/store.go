// Package assets implements the asset document store on Redis. Each asset
// is a hash under asset:{id}; listing order comes from a sorted set scored
// by the server-assigned creation time.
package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gena/ee-map-draw-demo/internal/core/apperr"
	"github.com/gena/ee-map-draw-demo/internal/store/redisstore"
)

const (
	keyPrefix   = "asset:"
	orderKey    = "assets:by-ts"
	fieldPrefix = "f:" // extension fields, JSON-encoded values

	hfGeometry  = "geometry"
	hfTimestamp = "timestamp"
	hfCell      = "h3"
)

// Record is the stored shape of an asset: geometry as WKT plus the open
// extension fields. Timestamp and ID are assigned by the store on Create.
type Record struct {
	ID        string
	WKT       string
	Timestamp time.Time
	Cell      string
	Fields    map[string]any
}

type Store interface {
	// Create persists a new document, assigning id and timestamp.
	Create(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// List returns all documents ordered by ascending creation timestamp.
	List(ctx context.Context) ([]Record, error)
	// Update merges the given fields into an existing document. The
	// creation timestamp is never touched. Missing ids are an error.
	Update(ctx context.Context, id string, rec Record) error
	// Delete removes a document, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Clear deletes every document one by one and reports the ids it
	// could not remove. There is no rollback.
	Clear(ctx context.Context) (deleted int, failed []string, err error)
}

type redisStore struct {
	cli   *redisstore.Client
	now   func() time.Time
	newID func() string
}

func NewRedisStore(cli *redisstore.Client) Store {
	return &redisStore{
		cli:   cli,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (s *redisStore) Create(ctx context.Context, rec Record) (Record, error) {
	rec.ID = s.newID()
	rec.Timestamp = s.now().UTC()

	fields, err := encodeFields(rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.cli.HSet(ctx, keyPrefix+rec.ID, fields); err != nil {
		return Record{}, apperr.Wrap(apperr.KindUpstream, "store create", err)
	}
	if err := s.cli.ZAdd(ctx, orderKey, float64(rec.Timestamp.UnixNano()), rec.ID); err != nil {
		return Record{}, apperr.Wrap(apperr.KindUpstream, "store create index", err)
	}
	return rec, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (Record, error) {
	m, err := s.cli.HGetAll(ctx, keyPrefix+id)
	if err != nil {
		return Record{}, apperr.Wrap(apperr.KindUpstream, "store get", err)
	}
	if len(m) == 0 {
		return Record{}, apperr.Newf(apperr.KindNotFound, "no asset with id %q", id)
	}
	return decodeFields(id, m)
}

func (s *redisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.cli.ZRange(ctx, orderKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "store list index", err)
	}

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		m, err := s.cli.HGetAll(ctx, keyPrefix+id)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstream, "store list", err)
		}
		if len(m) == 0 {
			// index entry whose hash is gone (lost delete race); skip
			continue
		}
		rec, err := decodeFields(id, m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) Update(ctx context.Context, id string, rec Record) error {
	ok, err := s.cli.Exists(ctx, keyPrefix+id)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "store update", err)
	}
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "no asset with id %q", id)
	}

	rec.Timestamp = time.Time{} // creation time is immutable
	fields, err := encodeFields(rec)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.cli.HSet(ctx, keyPrefix+id, fields); err != nil {
		return apperr.Wrap(apperr.KindUpstream, "store update", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.cli.Exists(ctx, keyPrefix+id)
	if err != nil {
		return false, apperr.Wrap(apperr.KindUpstream, "store delete", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.cli.Del(ctx, keyPrefix+id); err != nil {
		return false, apperr.Wrap(apperr.KindUpstream, "store delete", err)
	}
	if err := s.cli.ZRem(ctx, orderKey, id); err != nil {
		return false, apperr.Wrap(apperr.KindUpstream, "store delete index", err)
	}
	return true, nil
}

func (s *redisStore) Clear(ctx context.Context) (int, []string, error) {
	ids, err := s.cli.ZRange(ctx, orderKey)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.KindUpstream, "store clear index", err)
	}

	deleted := 0
	var failed []string
	for _, id := range ids {
		if err := s.cli.Del(ctx, keyPrefix+id); err != nil {
			failed = append(failed, id)
			continue
		}
		if err := s.cli.ZRem(ctx, orderKey, id); err != nil {
			failed = append(failed, id)
			continue
		}
		deleted++
	}
	if len(failed) > 0 {
		return deleted, failed, apperr.Newf(apperr.KindPartial,
			"clear removed %d of %d assets", deleted, len(ids))
	}
	return deleted, nil, nil
}

func encodeFields(rec Record) (map[string]string, error) {
	out := make(map[string]string, len(rec.Fields)+3)
	if rec.WKT != "" {
		out[hfGeometry] = rec.WKT
	}
	if !rec.Timestamp.IsZero() {
		out[hfTimestamp] = rec.Timestamp.Format(time.RFC3339Nano)
	}
	if rec.Cell != "" {
		out[hfCell] = rec.Cell
	}
	for k, v := range rec.Fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalid, fmt.Sprintf("encode field %q", k), err)
		}
		out[fieldPrefix+k] = string(b)
	}
	return out, nil
}

func decodeFields(id string, m map[string]string) (Record, error) {
	rec := Record{ID: id, Fields: map[string]any{}}
	for k, v := range m {
		switch k {
		case hfGeometry:
			rec.WKT = v
		case hfCell:
			rec.Cell = v
		case hfTimestamp:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return Record{}, fmt.Errorf("asset %s: parse timestamp %q: %w", id, v, err)
			}
			rec.Timestamp = ts
		default:
			if len(k) <= len(fieldPrefix) || k[:len(fieldPrefix)] != fieldPrefix {
				continue // unknown hash field, ignore
			}
			var val any
			if err := json.Unmarshal([]byte(v), &val); err != nil {
				return Record{}, fmt.Errorf("asset %s: decode field %q: %w", id, k, err)
			}
			rec.Fields[k[len(fieldPrefix):]] = val
		}
	}
	return rec, nil
}
