package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gena/ee-map-draw-demo/internal/assets"
	"github.com/gena/ee-map-draw-demo/internal/core/apperr"
	"github.com/gena/ee-map-draw-demo/internal/core/geom"
	"github.com/gena/ee-map-draw-demo/internal/events"
)

// fakeStore is an in-memory assets.Store with the same merge semantics as
// the redis implementation.
type fakeStore struct {
	mu      sync.Mutex
	recs    map[string]assets.Record
	order   []string
	seq     int
	clock   time.Time
	failDel map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recs:    map[string]assets.Record{},
		clock:   time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		failDel: map[string]bool{},
	}
}

func (s *fakeStore) Create(_ context.Context, rec assets.Record) (assets.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.clock = s.clock.Add(time.Second)
	rec.ID = fmt.Sprintf("id-%03d", s.seq)
	rec.Timestamp = s.clock
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	s.recs[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (assets.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return assets.Record{}, apperr.Newf(apperr.KindNotFound, "no asset with id %q", id)
	}
	return rec, nil
}

func (s *fakeStore) List(_ context.Context) ([]assets.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]assets.Record, 0, len(s.order))
	for _, id := range s.order {
		if rec, ok := s.recs[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) Update(_ context.Context, id string, rec assets.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "no asset with id %q", id)
	}
	if rec.WKT != "" {
		cur.WKT = rec.WKT
	}
	if rec.Cell != "" {
		cur.Cell = rec.Cell
	}
	for k, v := range rec.Fields {
		cur.Fields[k] = v
	}
	s.recs[id] = cur
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return false, nil
	}
	delete(s.recs, id)
	return true, nil
}

func (s *fakeStore) Clear(_ context.Context) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	var failed []string
	for _, id := range s.order {
		if _, ok := s.recs[id]; !ok {
			continue
		}
		if s.failDel[id] {
			failed = append(failed, id)
			continue
		}
		delete(s.recs, id)
		deleted++
	}
	s.order = nil
	for id := range s.recs {
		s.order = append(s.order, id)
	}
	if len(failed) > 0 {
		return deleted, failed, apperr.Newf(apperr.KindPartial,
			"clear removed %d assets", deleted)
	}
	return deleted, nil, nil
}

type mapFunc func(ctx context.Context, year int) (string, error)

func (f mapFunc) MapID(ctx context.Context, year int) (string, error) { return f(ctx, year) }

type capturePub struct {
	mu  sync.Mutex
	evs []events.Event
}

func (p *capturePub) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
}

func (p *capturePub) Close() error { return nil }

func (p *capturePub) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.evs))
	for i, ev := range p.evs {
		out[i] = ev.Action
	}
	return out
}

func newTestRouter(t *testing.T, store assets.Store, imagery MapService) (http.Handler, *capturePub) {
	t.Helper()
	codec, err := geom.NewCodec(16, 8)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	pub := &capturePub{}
	h := New(slog.New(slog.DiscardHandler), codec, store, imagery, pub, time.Second)

	r := chi.NewRouter()
	r.Get("/map/{year}", h.GetMap())
	r.Post("/assets/create", h.CreateAsset())
	r.Get("/assets", h.ListAssets())
	r.Get("/assets/search", h.SearchAssets())
	r.Put("/assets/update/{id}", h.UpdateAsset())
	r.Delete("/assets/delete/{id}", h.DeleteAsset())
	r.Get("/assets/clear", h.ClearAssets())
	return r, pub
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

const pointGeom = `{"type":"Point","coordinates":[24.9,60.2]}`

func TestGetMap_ReturnsMapID(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), mapFunc(func(_ context.Context, year int) (string, error) {
		return fmt.Sprintf("map-%d", year), nil
	}))

	rr := do(t, r, http.MethodGet, "/map/2020", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		MapID string `json:"map_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MapID != "map-2020" {
		t.Fatalf("map_id=%q", out.MapID)
	}
}

func TestGetMap_NonIntegerYear(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), mapFunc(func(context.Context, int) (string, error) {
		t.Fatal("imagery must not be called")
		return "", nil
	}))

	rr := do(t, r, http.MethodGet, "/map/twentytwenty", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rr.Code)
	}
}

func TestGetMap_UpstreamFailure(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), mapFunc(func(context.Context, int) (string, error) {
		return "", apperr.New(apperr.KindUpstream, "quota exhausted")
	}))

	rr := do(t, r, http.MethodGet, "/map/2020", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", rr.Code)
	}
}

func TestCreate_EchoesInputWithID(t *testing.T) {
	r, pub := newTestRouter(t, newFakeStore(), nil)

	body := `{"geometry":` + pointGeom + `,"type":"cattle","note":"north"}`
	rr := do(t, r, http.MethodPost, "/assets/create", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["id"] != "id-001" {
		t.Fatalf("id=%v", out["id"])
	}
	if out["type"] != "cattle" || out["note"] != "north" {
		t.Fatalf("fields not echoed: %v", out)
	}
	// the echo carries the input geometry and no server timestamp
	g, _ := out["geometry"].(map[string]any)
	if g["type"] != "Point" {
		t.Fatalf("geometry=%v", out["geometry"])
	}
	if _, ok := out["timestamp"]; ok {
		t.Fatal("timestamp leaked into create response")
	}

	if got := pub.actions(); len(got) != 1 || got[0] != events.ActionCreated {
		t.Fatalf("events=%v", got)
	}
}

func TestCreate_InvalidBodies(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), nil)

	for name, body := range map[string]string{
		"not json":     "{",
		"no geometry":  `{"type":"cattle"}`,
		"bad geometry": `{"geometry":{"type":"Nope","coordinates":[]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rr := do(t, r, http.MethodPost, "/assets/create", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d want 400 (body=%s)", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestList_CreateThenRead(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), nil)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"geometry":{"type":"Point","coordinates":[%d,0]},"n":%d}`, i, i)
		if rr := do(t, r, http.MethodPost, "/assets/create", body); rr.Code != http.StatusOK {
			t.Fatalf("create %d: status=%d", i, rr.Code)
		}
	}

	rr := do(t, r, http.MethodGet, "/assets", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len=%d want 3", len(out))
	}
	for i, a := range out {
		if a["id"] != fmt.Sprintf("id-%03d", i+1) {
			t.Fatalf("out[%d].id=%v (creation order lost)", i, a["id"])
		}
		if a["n"] != float64(i) {
			t.Fatalf("out[%d].n=%v", i, a["n"])
		}
		if _, ok := a["timestamp"].(string); !ok {
			t.Fatalf("out[%d] missing timestamp", i)
		}
		g, _ := a["geometry"].(map[string]any)
		if g["type"] != "Point" {
			t.Fatalf("out[%d].geometry=%v", i, a["geometry"])
		}
	}
}

func TestList_SkipsCorruptStoredGeometry(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	if _, err := store.Create(ctx, assets.Record{WKT: "POINT (1 2)"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Create(ctx, assets.Record{WKT: "POLYGON(((not wkt"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r, _ := newTestRouter(t, store, nil)
	rr := do(t, r, http.MethodGet, "/assets", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200 despite corrupt record", rr.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0]["id"] != "id-001" {
		t.Fatalf("out=%v want only the intact record", out)
	}
}

func TestList_ETagRevalidation(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), nil)
	do(t, r, http.MethodPost, "/assets/create", `{"geometry":`+pointGeom+`}`)

	rr := do(t, r, http.MethodGet, "/assets", "")
	tag := rr.Header().Get("ETag")
	if tag == "" {
		t.Fatal("no etag on list response")
	}

	req := httptest.NewRequest(http.MethodGet, "/assets", nil)
	req.Header.Set("If-None-Match", tag)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status=%d want 304", rec.Code)
	}

	// collection changed → new tag
	do(t, r, http.MethodPost, "/assets/create", `{"geometry":`+pointGeom+`}`)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want 200 after change", rec.Code)
	}
	if rec.Header().Get("ETag") == tag {
		t.Fatal("etag unchanged after collection changed")
	}
}

func TestUpdate_PreservesUnspecifiedFields(t *testing.T) {
	r, pub := newTestRouter(t, newFakeStore(), nil)

	create := `{"geometry":` + pointGeom + `,"a":1,"b":2}`
	if rr := do(t, r, http.MethodPost, "/assets/create", create); rr.Code != http.StatusOK {
		t.Fatalf("create: status=%d", rr.Code)
	}

	update := `{"geometry":{"type":"Point","coordinates":[30,30]},"a":9}`
	rr := do(t, r, http.MethodPut, "/assets/update/id-001", update)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: status=%d body=%s", rr.Code, rr.Body.String())
	}
	// confirmation echoes the request body
	var echo map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &echo); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echo["a"] != float64(9) {
		t.Fatalf("echo=%v", echo)
	}

	list := do(t, r, http.MethodGet, "/assets", "")
	var out []map[string]any
	if err := json.Unmarshal(list.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len=%d", len(out))
	}
	if out[0]["a"] != float64(9) {
		t.Fatalf("a=%v want 9", out[0]["a"])
	}
	if out[0]["b"] != float64(2) {
		t.Fatalf("b=%v want 2 (must survive partial update)", out[0]["b"])
	}
	g, _ := out[0]["geometry"].(map[string]any)
	coords, _ := g["coordinates"].([]any)
	if len(coords) != 2 || coords[0] != float64(30) {
		t.Fatalf("geometry not updated: %v", g)
	}

	if got := pub.actions(); len(got) != 2 || got[1] != events.ActionUpdated {
		t.Fatalf("events=%v", got)
	}
}

func TestUpdate_MissingID(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), nil)
	rr := do(t, r, http.MethodPut, "/assets/update/ghost", `{"geometry":`+pointGeom+`}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
}

func TestDelete_MissingIDIsStillOK(t *testing.T) {
	r, pub := newTestRouter(t, newFakeStore(), nil)

	rr := do(t, r, http.MethodDelete, "/assets/delete/ghost", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("body=%q want empty", rr.Body.String())
	}
	if got := pub.actions(); len(got) != 0 {
		t.Fatalf("no event expected for missing id, got %v", got)
	}
}

func TestDelete_ExistingAsset(t *testing.T) {
	r, pub := newTestRouter(t, newFakeStore(), nil)
	do(t, r, http.MethodPost, "/assets/create", `{"geometry":`+pointGeom+`}`)

	rr := do(t, r, http.MethodDelete, "/assets/delete/id-001", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}

	list := do(t, r, http.MethodGet, "/assets", "")
	var out []map[string]any
	if err := json.Unmarshal(list.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("len=%d want 0", len(out))
	}
	if got := pub.actions(); len(got) != 2 || got[1] != events.ActionDeleted {
		t.Fatalf("events=%v", got)
	}
}

func TestClear_EmptiesCollection(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), nil)
	do(t, r, http.MethodPost, "/assets/create", `{"geometry":`+pointGeom+`}`)
	do(t, r, http.MethodPost, "/assets/create", `{"geometry":`+pointGeom+`}`)

	rr := do(t, r, http.MethodGet, "/assets/clear", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Body.String(); got != "ALL ASSETS DELETED" {
		t.Fatalf("body=%q", got)
	}

	list := do(t, r, http.MethodGet, "/assets", "")
	var out []map[string]any
	if err := json.Unmarshal(list.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("len=%d want 0 after clear", len(out))
	}
}

func TestClear_PartialFailureReportsIDs(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, assets.Record{WKT: "POINT (0 0)"}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	store.failDel["id-002"] = true

	r, _ := newTestRouter(t, store, nil)
	rr := do(t, r, http.MethodGet, "/assets/clear", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", rr.Code)
	}
	var out struct {
		Deleted   int      `json:"deleted"`
		FailedIDs []string `json:"failed_ids"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Deleted != 2 {
		t.Fatalf("deleted=%d want 2", out.Deleted)
	}
	if len(out.FailedIDs) != 1 || out.FailedIDs[0] != "id-002" {
		t.Fatalf("failed_ids=%v", out.FailedIDs)
	}
}

func TestSearch_FiltersByBBox(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), nil)

	do(t, r, http.MethodPost, "/assets/create",
		`{"geometry":{"type":"Point","coordinates":[5,5]},"name":"in"}`)
	do(t, r, http.MethodPost, "/assets/create",
		`{"geometry":{"type":"Point","coordinates":[50,50]},"name":"out"}`)

	rr := do(t, r, http.MethodGet, "/assets/search?bbox=0,0,10,10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0]["name"] != "in" {
		t.Fatalf("out=%v want only the asset inside the bbox", out)
	}
}

func TestSearch_BadBBox(t *testing.T) {
	r, _ := newTestRouter(t, newFakeStore(), nil)
	for _, q := range []string{"", "1,2,3", "a,b,c,d", "10,0,-10,5"} {
		rr := do(t, r, http.MethodGet, "/assets/search?bbox="+q, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("bbox=%q status=%d want 400", q, rr.Code)
		}
	}
}
