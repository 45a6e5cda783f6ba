package earthengine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gena/ee-map-draw-demo/internal/core/apperr"
)

func TestMapID_SendsCompositeRequest(t *testing.T) {
	var gotBody compositeRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s want POST", r.Method)
		}
		if r.URL.Path != "/v1/maps" {
			t.Errorf("path=%s want /v1/maps", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"map_id":"projects/demo/maps/abc-2020"}`))
	}))
	defer srv.Close()

	c, err := New(slog.New(slog.DiscardHandler), srv.Client(), srv.URL, "tok-123")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mapID, err := c.MapID(ctx, 2020)
	if err != nil {
		t.Fatalf("MapID: %v", err)
	}
	if mapID != "projects/demo/maps/abc-2020" {
		t.Fatalf("mapID=%q", mapID)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("auth=%q", gotAuth)
	}

	if gotBody.Collection != "COPERNICUS/S2_HARMONIZED" {
		t.Fatalf("collection=%q", gotBody.Collection)
	}
	if gotBody.StartDate != "2020-01-01" || gotBody.EndDate != "2020-12-30" {
		t.Fatalf("dates=%q..%q", gotBody.StartDate, gotBody.EndDate)
	}
	if gotBody.CloudCoverMax != 10 {
		t.Fatalf("cloud=%v", gotBody.CloudCoverMax)
	}
	if gotBody.Resampling != "bilinear" {
		t.Fatalf("resampling=%q", gotBody.Resampling)
	}
	if len(gotBody.Bands) != 3 || gotBody.Bands[0] != "B4" || gotBody.Bands[1] != "B3" || gotBody.Bands[2] != "B2" {
		t.Fatalf("bands=%v", gotBody.Bands)
	}
	if gotBody.Reducer.Percentile != 20 {
		t.Fatalf("percentile=%d", gotBody.Reducer.Percentile)
	}
	if gotBody.Visualize.Min != 600 || gotBody.Visualize.Gamma != 2 {
		t.Fatalf("visualize=%+v", gotBody.Visualize)
	}
	if len(gotBody.Visualize.Max) != 3 || gotBody.Visualize.Max[2] != 6000 {
		t.Fatalf("max=%v", gotBody.Visualize.Max)
	}
}

func TestMapID_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New(slog.New(slog.DiscardHandler), srv.Client(), srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.MapID(context.Background(), 2020)
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("kind=%v want KindUpstream", apperr.KindOf(err))
	}
}

func TestMapID_MissingMapID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(slog.New(slog.DiscardHandler), srv.Client(), srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.MapID(context.Background(), 2020); err == nil {
		t.Fatal("expected error for empty map_id")
	}
}
