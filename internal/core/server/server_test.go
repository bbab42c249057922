package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/mapsync/internal/core/health"
	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/engine"
	"github.com/mohammed-shakir/mapsync/internal/persist"
	"github.com/mohammed-shakir/mapsync/internal/surface"
	"github.com/mohammed-shakir/mapsync/internal/surface/memory"
)

type staticKinds struct{}

func (staticKinds) Resolve(_ context.Context, l model.LogicalLayer) (model.GeometryKind, error) {
	if l.Name == "roads" {
		return model.KindLine, nil
	}
	return model.KindPoint, nil
}

type staticStyles struct{}

func (staticStyles) Fetch(_ context.Context, id string) (surface.StyleDoc, error) {
	if id != "streets" {
		return surface.StyleDoc{}, errors.New("no such style")
	}
	return surface.StyleDoc{
		Version: 8,
		Name:    "streets",
		Sources: map[string]surface.SourceSpec{"base": {Type: "vector", Tiles: []string{"base/{z}/{x}/{y}"}}},
		Layers: []surface.LayerSpec{
			{ID: "background", Type: "background"},
			{ID: "labels", Type: "symbol", Source: "base", SourceLayer: "place"},
		},
	}, nil
}

func newSession(t *testing.T) *engine.Session {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	surf := memory.New(memory.WithAutoSettle())
	bridge := persist.NewBridge(persist.NewMemStore(), "default", time.Second, log)
	s := engine.NewSession(engine.Deps{
		Surface: surf,
		Input:   surf.Drawer(),
		Kinds:   staticKinds{},
		Styles:  staticStyles{},
		Bridge:  bridge,
		Catalog: func(name string) (model.LogicalLayer, bool) {
			return model.LogicalLayer{Name: name, SourceURL: "http://tiles.test/" + name + "/{z}/{x}/{y}.pbf"}, name == "roads"
		},
		DefaultStyle: "streets",
		Log:          log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Close()
		_ = bridge.Close(context.Background())
	})
	return s
}

func TestHandler_EndToEnd(t *testing.T) {
	s := newSession(t)
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Session: s,
		Checks:  map[string]health.Check{"style": s.Ready},
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}
	send := func(method, path, body string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := get("/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start=%d", resp.StatusCode)
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp = get("/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz after start=%d", resp.StatusCode)
	}

	resp = send(http.MethodPost, "/layers/roads/activate", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate=%d", resp.StatusCode)
	}
	resp = send(http.MethodPost, "/layers/nope/activate", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown activate=%d", resp.StatusCode)
	}

	resp = send(http.MethodPut, "/mode", `{"mode":"point"}`)
	resp.Body.Close()
	resp = send(http.MethodPost, "/draw", `{"type":"Point","coordinates":[1,1]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("draw=%d", resp.StatusCode)
	}

	resp = get("/state")
	defer resp.Body.Close()
	var v engine.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if len(v.ActiveLayers) != 1 || v.ActiveLayers[0] != "roads" || len(v.Annotations) != 1 || v.Mode != "point" {
		t.Fatalf("state=%+v", v)
	}

	resp = get("/metrics")
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "surface_mutations_total") {
		t.Fatal("metrics missing surface_mutations_total")
	}
	resp = get("/healthz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz=%d", resp.StatusCode)
	}
}
