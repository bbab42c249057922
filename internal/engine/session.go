package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/core/observability"
	"github.com/mohammed-shakir/mapsync/internal/logger"
	"github.com/mohammed-shakir/mapsync/internal/persist"
	"github.com/mohammed-shakir/mapsync/internal/state"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

var (
	ErrClosed        = errors.New("session closed")
	ErrUnknownLayer  = errors.New("unknown layer")
	ErrNoInput       = errors.New("surface has no input simulator")
	ErrInvalidCamera = errors.New("invalid camera")
)

const flushTimeout = 2 * time.Second

// InputSimulator injects user input into the draw tool, as a headless
// stand-in for pointer events.
type InputSimulator interface {
	Complete(g orb.Geometry) *geojson.Feature
	Edit(id string, g orb.Geometry) error
	Select(ids ...string)
}

type Deps struct {
	Surface      surface.Surface
	Input        InputSimulator
	Kinds        KindResolver
	Query        BBoxQuerier
	Collection   string
	Styles       StyleFetcher
	Bridge       *persist.Bridge
	Catalog      func(name string) (model.LogicalLayer, bool)
	DefaultStyle string
	Log          *slog.Logger
}

// Session owns the surface and the desired state on a single goroutine.
// Public methods post work to that goroutine and wait for it; metadata,
// query and style fetches run elsewhere and post their completions back.
type Session struct {
	deps Deps
	log  *slog.Logger
	base context.Context

	cmds chan func()
	stop chan struct{}

	ds    *state.DesiredState
	rec   *Reconciler
	ann   *Annotations
	coord *Coordinator
	sel   *Selector
}

func NewSession(d Deps) *Session {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	s := &Session{
		deps: d,
		log:  d.Log.With("component", "session"),
		cmds: make(chan func(), 64),
		stop: make(chan struct{}),
		ds:   state.New(),
	}
	base := logger.WithSession(context.Background(), "")
	if d.Bridge != nil {
		base = logger.WithWorkspace(base, d.Bridge.Workspace())
	}
	s.base = base

	var saver Saver = nopSaver{}
	if d.Bridge != nil {
		saver = d.Bridge
	}
	async := Defer(s.async)
	s.rec = NewReconciler(d.Surface, s.ds, d.Kinds, d.Log, WithReconcilerSaver(saver), WithReconcilerDefer(async))
	annOpts := []AnnotationsOption{WithAnnotationsSaver(saver), WithAnnotationsDefer(async)}
	if d.Query != nil {
		annOpts = append(annOpts, WithQuery(d.Query, d.Collection))
	}
	s.ann = NewAnnotations(d.Surface, s.ds, d.Log, annOpts...)
	s.coord = NewCoordinator(d.Surface, s.ds, s.rec, s.ann, d.Styles, d.Log,
		WithCoordinatorSaver(saver), WithCoordinatorDefer(async))
	s.sel = NewSelector(d.Surface, s.ds, s.rec, s.ann)
	return s
}

// Run processes posted work until ctx ends or Close is called.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case fn := <-s.cmds:
			fn()
			s.observe()
		}
	}
}

func (s *Session) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
		s.ann.Close()
	}
}

func (s *Session) async(fetch, apply func()) {
	go func() {
		fetch()
		s.post(apply)
	}()
}

func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.stop:
	}
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await runs start on the session goroutine and waits until it calls
// finish, which may happen after further posted work.
func await[T any](ctx context.Context, s *Session, start func(finish func(T, error))) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	var zero T
	err := s.do(ctx, func() {
		start(func(v T, err error) { ch <- result{v, err} })
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-s.stop:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Session) observe() {
	observability.SetDesiredItems("layers", len(s.ds.ActiveLayers()))
	observability.SetDesiredItems("annotations", len(s.ds.Annotations()))
	n := 0
	if fc := s.ds.Overlay(); fc != nil {
		n = len(fc.Features)
	}
	observability.SetDesiredItems("overlay_features", n)
}

// Start restores the persisted desired state and loads the base style.
// A style failure is reported and shown on the banner; the session stays
// usable.
func (s *Session) Start(ctx context.Context) error {
	_, err := await(ctx, s, func(finish func(struct{}, error)) {
		s.restore()
		s.coord.SwitchStyle(s.base, s.styleOrDefault(), func(err error) { finish(struct{}{}, err) })
	})
	return err
}

func (s *Session) restore() {
	snap := persist.DefaultSnapshot()
	if s.deps.Bridge != nil {
		snap = s.deps.Bridge.Load(s.base)
	}
	s.ds.Replace(state.Restore(snap, s.lookup))
	s.deps.Surface.JumpTo(s.ds.Camera())
	s.log.InfoContext(s.base, "desired state restored",
		"layers", len(s.ds.ActiveLayers()), "annotations", len(s.ds.Annotations()), "style", s.ds.BaseStyle())
}

func (s *Session) styleOrDefault() string {
	if id := s.ds.BaseStyle(); id != "" {
		return id
	}
	return s.deps.DefaultStyle
}

func (s *Session) lookup(name string) (model.LogicalLayer, bool) {
	if s.deps.Catalog == nil || name == "" {
		return model.LogicalLayer{}, false
	}
	return s.deps.Catalog(name)
}

func (s *Session) ActivateLayer(ctx context.Context, name string) (model.GeometryKind, error) {
	l, ok := s.lookup(name)
	if !ok {
		return model.KindUnknown, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return await(ctx, s, func(finish func(model.GeometryKind, error)) {
		s.rec.ActivateAsync(logger.WithLayer(s.base, name), l, finish)
	})
}

func (s *Session) DeactivateLayer(ctx context.Context, name string) error {
	return s.do(ctx, func() { s.rec.Deactivate(logger.WithLayer(s.base, name), name) })
}

func (s *Session) SetLayerStyle(ctx context.Context, name string, st model.Style) error {
	var err error
	if derr := s.do(ctx, func() { err = s.rec.UpdateStyle(logger.WithLayer(s.base, name), name, st) }); derr != nil {
		return derr
	}
	return err
}

func (s *Session) SetZOrder(ctx context.Context, order []string) error {
	return s.do(ctx, func() { s.rec.ApplyZOrder(s.base, order) })
}

func (s *Session) SetMode(ctx context.Context, name string) (model.DrawMode, error) {
	var m model.DrawMode
	err := s.do(ctx, func() { m = s.ann.SetMode(s.base, name) })
	return m, err
}

// Draw completes a shape as if the user drew g; the draw.create handler
// takes it from there. It returns the draw tool id.
func (s *Session) Draw(ctx context.Context, g orb.Geometry) (string, error) {
	if s.deps.Input == nil {
		return "", ErrNoInput
	}
	var id string
	err := s.do(ctx, func() {
		f := s.deps.Input.Complete(g)
		id, _ = f.ID.(string)
	})
	return id, err
}

func (s *Session) EditAnnotation(ctx context.Context, id string, g orb.Geometry) error {
	if s.deps.Input == nil {
		return ErrNoInput
	}
	var err error
	if derr := s.do(ctx, func() { err = s.deps.Input.Edit(id, g) }); derr != nil {
		return derr
	}
	return err
}

func (s *Session) SetAnnotationStyle(ctx context.Context, id string, st model.Style) error {
	var err error
	if derr := s.do(ctx, func() { err = s.ann.UpdateStyle(s.base, id, st) }); derr != nil {
		return derr
	}
	return err
}

// SelectAnnotations selects draw features as the user would.
func (s *Session) SelectAnnotations(ctx context.Context, ids []string) error {
	if s.deps.Input == nil {
		return ErrNoInput
	}
	return s.do(ctx, func() { s.deps.Input.Select(ids...) })
}

func (s *Session) Click(ctx context.Context, pt orb.Point) (model.Selection, error) {
	var sel model.Selection
	err := s.do(ctx, func() { sel = s.sel.Click(pt) })
	return sel, err
}

func (s *Session) Key(ctx context.Context, key string) (model.SelectionKind, error) {
	var k model.SelectionKind
	err := s.do(ctx, func() { k = s.sel.HandleKey(s.base, key) })
	return k, err
}

func (s *Session) SwitchStyle(ctx context.Context, id string) error {
	_, err := await(ctx, s, func(finish func(struct{}, error)) {
		s.coord.SwitchStyle(s.base, id, func(err error) { finish(struct{}{}, err) })
	})
	return err
}

func (s *Session) SetCamera(ctx context.Context, c model.Camera) error {
	if c.Zoom < 0 || c.Zoom > 24 || c.Center[1] < -90 || c.Center[1] > 90 || c.Pitch < 0 || c.Pitch > 85 {
		return fmt.Errorf("%w: %+v", ErrInvalidCamera, c)
	}
	return s.do(ctx, func() {
		s.ds.SetCamera(c)
		s.deps.Surface.JumpTo(c)
		if s.deps.Bridge != nil {
			s.deps.Bridge.SaveCamera(c)
		}
	})
}

func (s *Session) SetExtrusion(ctx context.Context, on bool) error {
	var err error
	if derr := s.do(ctx, func() { err = s.coord.SetExtrusion(s.base, on) }); derr != nil {
		return derr
	}
	return err
}

func (s *Session) ClearOverlay(ctx context.Context) error {
	return s.do(ctx, func() { s.ann.ClearOverlay(s.base) })
}

// SwitchWorkspace clears the surface of this workspace's layers and
// annotations and restores the desired state persisted for ws.
func (s *Session) SwitchWorkspace(ctx context.Context, ws string) error {
	if s.deps.Bridge == nil {
		return errors.New("workspace switch needs a persistence bridge")
	}
	_, err := await(ctx, s, func(finish func(struct{}, error)) {
		prev := s.ds.BaseStyle()
		s.ds.SetSelection(model.Selection{})
		s.rec.Teardown(s.base)
		s.ann.Teardown(s.base)
		fctx, cancel := context.WithTimeout(s.base, flushTimeout)
		if err := s.deps.Bridge.Flush(fctx); err != nil {
			s.log.WarnContext(s.base, "pending writes not flushed before workspace switch", "err", err)
		}
		cancel()
		s.deps.Bridge.SetWorkspace(ws)
		s.base = logger.WithWorkspace(s.base, ws)
		s.restore()
		s.ann.applyMode(s.base, model.ModeSelect)
		next := s.styleOrDefault()
		if next == prev && s.coord.Loaded() {
			s.ds.SetBaseStyle(next)
			s.coord.Replay(s.base)
			finish(struct{}{}, nil)
			return
		}
		s.coord.SwitchStyle(s.base, next, func(err error) { finish(struct{}{}, err) })
	})
	return err
}

// ApplyLayerEvent reacts to a server side layer change. An update waits
// for the refetched geometry kind without holding the session goroutine.
func (s *Session) ApplyLayerEvent(ctx context.Context, op, name string) error {
	_, err := await(ctx, s, func(finish func(struct{}, error)) {
		lctx := logger.WithLayer(s.base, name)
		switch op {
		case "updated":
			s.rec.RefreshAsync(lctx, name, func(err error) { finish(struct{}{}, err) })
		case "deleted":
			s.rec.Deactivate(lctx, name)
			finish(struct{}{}, nil)
		default:
			finish(struct{}{}, fmt.Errorf("unsupported layer event op %q", op))
		}
	})
	return err
}

// View is a read-only picture of the session for the control API.
type View struct {
	Workspace    string                 `json:"workspace"`
	BaseStyle    string                 `json:"baseStyle"`
	Mode         string                 `json:"mode"`
	ActiveLayers []string               `json:"activeLayers"`
	Rendered     []RenderedLayer        `json:"rendered"`
	LayerStyles  map[string]model.Style `json:"layerStyles"`
	Annotations  []model.Annotation     `json:"annotations"`
	Overlay      int                    `json:"overlayFeatures"`
	Camera       model.Camera           `json:"camera"`
	Extrusion    bool                   `json:"extrusion"`
	Selection    model.Selection        `json:"selection"`
	Banner       string                 `json:"banner,omitempty"`
}

func (s *Session) View(ctx context.Context) (View, error) {
	var v View
	err := s.do(ctx, func() {
		v = View{
			BaseStyle:    s.ds.BaseStyle(),
			Mode:         s.ds.Mode().String(),
			ActiveLayers: s.ds.ActiveLayers(),
			Rendered:     s.rec.Handles(),
			LayerStyles:  s.ds.LayerStyles(),
			Annotations:  s.ds.Annotations(),
			Camera:       s.ds.Camera(),
			Extrusion:    s.ds.Extrusion(),
			Selection:    s.ds.Selection(),
		}
		if s.deps.Bridge != nil {
			v.Workspace = s.deps.Bridge.Workspace()
		}
		if fc := s.ds.Overlay(); fc != nil {
			v.Overlay = len(fc.Features)
		}
		if b := s.coord.Banner(); b != nil {
			v.Banner = b.Error()
		}
	})
	return v, err
}

func (s *Session) SurfaceLayers(ctx context.Context) ([]surface.LayerSpec, error) {
	var out []surface.LayerSpec
	err := s.do(ctx, func() { out = s.deps.Surface.StyleLayers() })
	return out, err
}

// Ready fails until a base style has been applied.
func (s *Session) Ready(ctx context.Context) error {
	var loaded bool
	if err := s.do(ctx, func() { loaded = s.coord.Loaded() }); err != nil {
		return err
	}
	if !loaded {
		return errors.New("base style not loaded")
	}
	return nil
}
