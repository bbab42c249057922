package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/engine"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

type fakeSession struct {
	calls  []string
	err    error
	styles map[string]model.Style
	geom   orb.Geometry
	camera model.Camera
}

func (f *fakeSession) rec(format string, args ...any) error {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeSession) View(context.Context) (engine.View, error) {
	return engine.View{Workspace: "ws", BaseStyle: "streets", ActiveLayers: []string{"roads"}}, f.rec("view")
}
func (f *fakeSession) SurfaceLayers(context.Context) ([]surface.LayerSpec, error) {
	return []surface.LayerSpec{{ID: "background", Type: "background"}}, f.rec("layers")
}
func (f *fakeSession) ActivateLayer(_ context.Context, name string) (model.GeometryKind, error) {
	return model.KindLine, f.rec("activate %s", name)
}
func (f *fakeSession) DeactivateLayer(_ context.Context, name string) error {
	return f.rec("deactivate %s", name)
}
func (f *fakeSession) SetLayerStyle(_ context.Context, name string, s model.Style) error {
	if f.styles == nil {
		f.styles = map[string]model.Style{}
	}
	f.styles[name] = s
	return f.rec("style %s", name)
}
func (f *fakeSession) SetZOrder(_ context.Context, order []string) error {
	return f.rec("zorder %s", strings.Join(order, ","))
}
func (f *fakeSession) SetMode(_ context.Context, name string) (model.DrawMode, error) {
	m, _ := model.ParseDrawMode(name)
	return m, f.rec("mode %s", name)
}
func (f *fakeSession) Draw(_ context.Context, g orb.Geometry) (string, error) {
	f.geom = g
	return "a1", f.rec("draw %s", g.GeoJSONType())
}
func (f *fakeSession) EditAnnotation(_ context.Context, id string, g orb.Geometry) error {
	f.geom = g
	return f.rec("edit %s", id)
}
func (f *fakeSession) SetAnnotationStyle(_ context.Context, id string, _ model.Style) error {
	return f.rec("annstyle %s", id)
}
func (f *fakeSession) SelectAnnotations(_ context.Context, ids []string) error {
	return f.rec("select %s", strings.Join(ids, ","))
}
func (f *fakeSession) Click(_ context.Context, pt orb.Point) (model.Selection, error) {
	return model.Selection{Kind: model.SelectLayerFeature, IDs: []string{"roads"}}, f.rec("click %v", pt)
}
func (f *fakeSession) Key(_ context.Context, key string) (model.SelectionKind, error) {
	return model.SelectAnnotation, f.rec("key %s", key)
}
func (f *fakeSession) SwitchStyle(_ context.Context, id string) error {
	return f.rec("basestyle %s", id)
}
func (f *fakeSession) SetCamera(_ context.Context, c model.Camera) error {
	f.camera = c
	return f.rec("camera")
}
func (f *fakeSession) SetExtrusion(_ context.Context, on bool) error {
	return f.rec("extrusion %v", on)
}
func (f *fakeSession) ClearOverlay(context.Context) error { return f.rec("clear") }
func (f *fakeSession) SwitchWorkspace(_ context.Context, ws string) error {
	return f.rec("workspace %s", ws)
}

func newTestRouter(s Session) http.Handler {
	r := chi.NewRouter()
	Mount(r, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestRoutes_DispatchToSession(t *testing.T) {
	f := &fakeSession{}
	h := newTestRouter(f)

	cases := []struct {
		method, path, body string
		code               int
		call               string
	}{
		{http.MethodPost, "/layers/roads/activate", "", http.StatusOK, "activate roads"},
		{http.MethodPost, "/layers/roads/deactivate", "", http.StatusNoContent, "deactivate roads"},
		{http.MethodPut, "/layers/roads/style", `{"color":"#ff0000","opacity":0.5,"width":2}`, http.StatusNoContent, "style roads"},
		{http.MethodPost, "/zorder", `{"order":["a","b"]}`, http.StatusNoContent, "zorder a,b"},
		{http.MethodPut, "/mode", `{"mode":"polygon"}`, http.StatusOK, "mode polygon"},
		{http.MethodPost, "/draw", `{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{}}`, http.StatusCreated, "draw Point"},
		{http.MethodPut, "/annotations/a1/geometry", `{"type":"LineString","coordinates":[[0,0],[1,1]]}`, http.StatusNoContent, "edit a1"},
		{http.MethodPut, "/annotations/a1/style", `{"color":"#00ff00","opacity":1}`, http.StatusNoContent, "annstyle a1"},
		{http.MethodPost, "/select", `{"ids":["a1","a2"]}`, http.StatusNoContent, "select a1,a2"},
		{http.MethodPost, "/select", `{"point":[3,4]}`, http.StatusOK, "click [3 4]"},
		{http.MethodPost, "/keys/Delete", "", http.StatusOK, "key Delete"},
		{http.MethodPut, "/style/dark", "", http.StatusNoContent, "basestyle dark"},
		{http.MethodPut, "/camera", `{"center":[18,59],"zoom":11}`, http.StatusNoContent, "camera"},
		{http.MethodPut, "/extrusion", `{"enabled":true}`, http.StatusNoContent, "extrusion true"},
		{http.MethodDelete, "/query-overlay", "", http.StatusNoContent, "clear"},
		{http.MethodPut, "/workspace/ws2", "", http.StatusNoContent, "workspace ws2"},
		{http.MethodGet, "/state", "", http.StatusOK, "view"},
		{http.MethodGet, "/surface/layers", "", http.StatusOK, "layers"},
	}
	for _, tc := range cases {
		f.calls = nil
		rec := do(h, tc.method, tc.path, tc.body)
		if rec.Code != tc.code {
			t.Fatalf("%s %s: code=%d want %d body=%s", tc.method, tc.path, rec.Code, tc.code, rec.Body.String())
		}
		if len(f.calls) != 1 || f.calls[0] != tc.call {
			t.Fatalf("%s %s: calls=%v want %q", tc.method, tc.path, f.calls, tc.call)
		}
	}
	if f.camera.Zoom != 11 || f.camera.Center != (orb.Point{18, 59}) {
		t.Fatalf("camera=%+v", f.camera)
	}
	if got := f.styles["roads"]; got.Color != "#ff0000" || got.Width != 2 {
		t.Fatalf("style=%+v", got)
	}
}

func TestActivate_ResponseCarriesKind(t *testing.T) {
	rec := do(newTestRouter(&fakeSession{}), http.MethodPost, "/layers/roads/activate", "")
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["geometryKind"] != "linestring" || body["layer"] != "roads" {
		t.Fatalf("body=%v", body)
	}
}

func TestBadInput_400WithoutSessionCall(t *testing.T) {
	f := &fakeSession{}
	h := newTestRouter(f)
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPut, "/layers/roads/style", `{"opacity":0.5}`},
		{http.MethodPut, "/layers/roads/style", `{"color":"#fff","opacity":1.5}`},
		{http.MethodPost, "/draw", `{"type":"Feature","geometry":null}`},
		{http.MethodPost, "/draw", `not json`},
		{http.MethodPut, "/camera", `{"center":`},
	} {
		rec := do(h, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s %s: code=%d", tc.method, tc.path, tc.body, rec.Code)
		}
	}
	if len(f.calls) != 0 {
		t.Fatalf("session called: %v", f.calls)
	}
}

func TestErrors_MappedToStatus(t *testing.T) {
	cases := map[error]int{
		engine.ErrUnknownLayer:                http.StatusNotFound,
		engine.ErrUnknownAnnotation:           http.StatusNotFound,
		engine.ErrInvalidCamera:               http.StatusBadRequest,
		engine.ErrNoInput:                     http.StatusNotImplemented,
		engine.ErrClosed:                      http.StatusServiceUnavailable,
		context.DeadlineExceeded:              http.StatusGatewayTimeout,
		&engine.MutationError{Op: "addLayer"}: http.StatusConflict,
		fmt.Errorf("style fetch: %w", io.EOF): http.StatusBadGateway,
	}
	for err, want := range cases {
		rec := do(newTestRouter(&fakeSession{err: err}), http.MethodPost, "/layers/x/deactivate", "")
		if rec.Code != want {
			t.Fatalf("%v: code=%d want %d", err, rec.Code, want)
		}
	}
}
