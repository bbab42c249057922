// Package router exposes the session over a small JSON control API.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/engine"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

const maxBody = 1 << 20

// Session is the part of engine.Session the API drives.
type Session interface {
	View(ctx context.Context) (engine.View, error)
	SurfaceLayers(ctx context.Context) ([]surface.LayerSpec, error)
	ActivateLayer(ctx context.Context, name string) (model.GeometryKind, error)
	DeactivateLayer(ctx context.Context, name string) error
	SetLayerStyle(ctx context.Context, name string, s model.Style) error
	SetZOrder(ctx context.Context, order []string) error
	SetMode(ctx context.Context, name string) (model.DrawMode, error)
	Draw(ctx context.Context, g orb.Geometry) (string, error)
	EditAnnotation(ctx context.Context, id string, g orb.Geometry) error
	SetAnnotationStyle(ctx context.Context, id string, s model.Style) error
	SelectAnnotations(ctx context.Context, ids []string) error
	Click(ctx context.Context, pt orb.Point) (model.Selection, error)
	Key(ctx context.Context, key string) (model.SelectionKind, error)
	SwitchStyle(ctx context.Context, id string) error
	SetCamera(ctx context.Context, c model.Camera) error
	SetExtrusion(ctx context.Context, on bool) error
	ClearOverlay(ctx context.Context) error
	SwitchWorkspace(ctx context.Context, ws string) error
}

type api struct {
	s   Session
	log *slog.Logger
}

// Mount registers the control routes on r.
func Mount(r chi.Router, s Session, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{s: s, log: logger.With("component", "api")}

	r.Get("/state", a.state)
	r.Get("/surface/layers", a.surfaceLayers)

	r.Route("/layers/{name}", func(r chi.Router) {
		r.Post("/activate", a.activate)
		r.Post("/deactivate", a.deactivate)
		r.Put("/style", a.layerStyle)
	})
	r.Post("/zorder", a.zorder)
	r.Put("/mode", a.mode)

	r.Post("/draw", a.draw)
	r.Put("/annotations/{id}/style", a.annotationStyle)
	r.Put("/annotations/{id}/geometry", a.annotationGeometry)
	r.Post("/select", a.selectAt)
	r.Post("/keys/{key}", a.key)

	r.Put("/style/{id}", a.style)
	r.Put("/camera", a.camera)
	r.Put("/extrusion", a.extrusion)
	r.Delete("/query-overlay", a.clearOverlay)
	r.Put("/workspace/{name}", a.workspace)
}

func (a *api) state(w http.ResponseWriter, r *http.Request) {
	v, err := a.s.View(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) surfaceLayers(w http.ResponseWriter, r *http.Request) {
	ls, err := a.s.SurfaceLayers(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (a *api) activate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	kind, err := a.s.ActivateLayer(r.Context(), name)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"layer": name, "geometryKind": kind})
}

func (a *api) deactivate(w http.ResponseWriter, r *http.Request) {
	if err := a.s.DeactivateLayer(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) layerStyle(w http.ResponseWriter, r *http.Request) {
	st, err := decodeStyle(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := a.s.SetLayerStyle(r.Context(), chi.URLParam(r, "name"), st); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) zorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order []string `json:"order"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	if err := a.s.SetZOrder(r.Context(), body.Order); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) mode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	m, err := a.s.SetMode(r.Context(), body.Mode)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": m.String()})
}

func (a *api) draw(w http.ResponseWriter, r *http.Request) {
	g, err := decodeGeometry(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	id, err := a.s.Draw(r.Context(), g)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *api) annotationStyle(w http.ResponseWriter, r *http.Request) {
	st, err := decodeStyle(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := a.s.SetAnnotationStyle(r.Context(), chi.URLParam(r, "id"), st); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) annotationGeometry(w http.ResponseWriter, r *http.Request) {
	g, err := decodeGeometry(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := a.s.EditAnnotation(r.Context(), chi.URLParam(r, "id"), g); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// selectAt accepts either {"point":[lon,lat]} (a click) or {"ids":[...]}
// (draw tool selection).
func (a *api) selectAt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Point *[2]float64 `json:"point"`
		IDs   []string    `json:"ids"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	if body.Point != nil {
		sel, err := a.s.Click(r.Context(), orb.Point(*body.Point))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sel)
		return
	}
	if err := a.s.SelectAnnotations(r.Context(), body.IDs); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) key(w http.ResponseWriter, r *http.Request) {
	k, err := a.s.Key(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.SelectionKind{"acted": k})
}

func (a *api) style(w http.ResponseWriter, r *http.Request) {
	if err := a.s.SwitchStyle(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) camera(w http.ResponseWriter, r *http.Request) {
	var c model.Camera
	if err := decode(r, &c); err != nil {
		badRequest(w, err)
		return
	}
	if err := a.s.SetCamera(r.Context(), c); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) extrusion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, err)
		return
	}
	if err := a.s.SetExtrusion(r.Context(), body.Enabled); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) clearOverlay(w http.ResponseWriter, r *http.Request) {
	if err := a.s.ClearOverlay(r.Context()); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) workspace(w http.ResponseWriter, r *http.Request) {
	if err := a.s.SwitchWorkspace(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func decodeStyle(r *http.Request) (model.Style, error) {
	var s model.Style
	if err := decode(r, &s); err != nil {
		return s, err
	}
	if s.Color == "" {
		return s, errors.New("color is required")
	}
	if s.Opacity < 0 || s.Opacity > 1 || math.IsNaN(s.Opacity) {
		return s, errors.New("opacity must be within [0,1]")
	}
	if s.Width < 0 || s.Radius < 0 {
		return s, errors.New("width and radius must not be negative")
	}
	return s, nil
}

// decodeGeometry reads a GeoJSON Feature or bare geometry.
func decodeGeometry(r *http.Request) (orb.Geometry, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var g orb.Geometry
	if f, ferr := geojson.UnmarshalFeature(b); ferr == nil && f.Geometry != nil {
		g = f.Geometry
	} else if geom, gerr := geojson.UnmarshalGeometry(b); gerr == nil && geom.Geometry() != nil {
		g = geom.Geometry()
	} else {
		return nil, errors.New("body must be a GeoJSON feature or geometry")
	}
	if model.KindOf(g) == model.KindUnknown {
		return nil, fmt.Errorf("unsupported geometry %s", g.GeoJSONType())
	}
	return g, nil
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	} else {
		a.log.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var me *engine.MutationError
	switch {
	case errors.Is(err, engine.ErrUnknownLayer), errors.Is(err, engine.ErrUnknownAnnotation), errors.Is(err, surface.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidCamera):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoInput):
		return http.StatusNotImplemented
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &me):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStale):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
