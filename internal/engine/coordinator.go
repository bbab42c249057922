package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/mapsync/internal/core/observability"
	"github.com/mohammed-shakir/mapsync/internal/state"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

const (
	ExtrusionLayer   = "3d-buildings"
	buildingSrcLayer = "building"
)

// Coordinator swaps the base style and replays desired state once the
// surface reports idle.
type Coordinator struct {
	surf   surface.Surface
	ds     *state.DesiredState
	rec    *Reconciler
	ann    *Annotations
	styles StyleFetcher
	guard  *Guard
	saver  Saver
	log    *slog.Logger
	run    Defer

	gen     uint64
	offIdle func()
	banner  error
	loaded  bool
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorSaver(s Saver) CoordinatorOption {
	return func(c *Coordinator) { c.saver = s }
}

func WithCoordinatorDefer(d Defer) CoordinatorOption {
	return func(c *Coordinator) { c.run = d }
}

func NewCoordinator(surf surface.Surface, ds *state.DesiredState, rec *Reconciler, ann *Annotations, styles StyleFetcher, log *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "coordinator")
	c := &Coordinator{
		surf:   surf,
		ds:     ds,
		rec:    rec,
		ann:    ann,
		styles: styles,
		guard:  NewGuard(log),
		saver:  nopSaver{},
		log:    log,
		run:    Inline,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SwitchStyle records id as the desired base style, fetches it and swaps
// the surface style. done receives the outcome on the session goroutine.
func (c *Coordinator) SwitchStyle(ctx context.Context, id string, done func(error)) {
	c.ds.SetBaseStyle(id)
	c.saver.SaveBaseStyle(id)

	var (
		doc surface.StyleDoc
		err error
	)
	c.run(
		func() { doc, err = c.styles.Fetch(ctx, id) },
		func() {
			if done == nil {
				done = func(error) {}
			}
			done(c.ApplyStyle(ctx, id, doc, err))
		},
	)
}

// ApplyStyle installs a fetched style document. A fetch failure sets the
// banner; a completion for a style no longer desired is discarded.
func (c *Coordinator) ApplyStyle(ctx context.Context, id string, doc surface.StyleDoc, fetchErr error) error {
	if c.ds.BaseStyle() != id {
		observability.IncStale("style")
		return ErrStale
	}
	if fetchErr != nil {
		c.banner = fmt.Errorf("base style %q unavailable: %w", id, fetchErr)
		c.log.ErrorContext(ctx, "style document fetch failed", "style", id, "err", fetchErr)
		return c.banner
	}

	// Subscribe before the swap: some surfaces settle synchronously.
	c.gen++
	gen := c.gen
	if c.offIdle != nil {
		c.offIdle()
	}
	c.offIdle = c.surf.Once(surface.EventIdle, func(surface.Event) {
		if gen != c.gen {
			return
		}
		c.offIdle = nil
		c.Replay(ctx)
	})

	if err := c.surf.SetStyle(doc, surface.StyleOptions{Diff: true}); err != nil {
		c.offIdle()
		c.offIdle = nil
		observability.IncSurfaceMutation(surface.OpSetStyle, "failed")
		c.banner = fmt.Errorf("base style %q could not be applied: %w", id, err)
		c.log.ErrorContext(ctx, "style swap failed", "style", id, "err", err)
		return c.banner
	}
	observability.IncSurfaceMutation(surface.OpSetStyle, "ok")
	c.banner = nil
	c.loaded = true
	c.log.InfoContext(ctx, "base style applied; waiting for idle", "style", id)
	return nil
}

// Replay re-materializes all desired state in dependency order: layers,
// annotations, the query overlay, then supplementary modes.
func (c *Coordinator) Replay(ctx context.Context) []error {
	start := time.Now()
	var errs []error
	errs = append(errs, c.rec.ReapplyAll(ctx)...)
	errs = append(errs, c.ann.RenderAll(ctx)...)
	if err := c.ann.RenderOverlay(ctx); err != nil {
		observability.IncReplayFailure("overlay")
		c.log.WarnContext(ctx, "overlay replay failed", "err", err)
		errs = append(errs, err)
	}
	if c.ds.Extrusion() {
		if err := c.applyExtrusion(ctx); err != nil {
			observability.IncReplayFailure("extrusion")
			c.log.WarnContext(ctx, "extrusion replay failed", "err", err)
			errs = append(errs, err)
		}
	}
	observability.ObserveReplay(time.Since(start).Seconds())
	c.log.InfoContext(ctx, "desired state replayed",
		"layers", len(c.ds.ActiveLayers()), "annotations", len(c.ds.Annotations()), "failures", len(errs))
	return errs
}

// SetExtrusion toggles the 3D building layer.
func (c *Coordinator) SetExtrusion(ctx context.Context, on bool) error {
	c.ds.SetExtrusion(on)
	c.saver.SaveExtrusion(on)
	if !on {
		if _, ok := c.surf.GetLayer(ExtrusionLayer); ok {
			c.guard.Try(ctx, surface.OpRemoveLayer, ExtrusionLayer, func() error { return c.surf.RemoveLayer(ExtrusionLayer) })
		}
		return nil
	}
	return c.applyExtrusion(ctx)
}

var errNoBuildings = errors.New("base style has no building layer")

func (c *Coordinator) applyExtrusion(ctx context.Context) error {
	if _, ok := c.surf.GetLayer(ExtrusionLayer); ok {
		return nil
	}
	src := ""
	for _, l := range c.surf.StyleLayers() {
		if l.SourceLayer == buildingSrcLayer {
			src = l.Source
			break
		}
	}
	if src == "" {
		c.log.DebugContext(ctx, "extrusion skipped", "err", errNoBuildings)
		return nil
	}
	spec := surface.LayerSpec{
		ID:          ExtrusionLayer,
		Type:        "fill-extrusion",
		Source:      src,
		SourceLayer: buildingSrcLayer,
		Paint: map[string]any{
			"fill-extrusion-color":   "#aaaaaa",
			"fill-extrusion-height":  []any{"get", "height"},
			"fill-extrusion-opacity": 0.6,
		},
	}
	return c.guard.Mutate(ctx, surface.OpAddLayer, ExtrusionLayer,
		func() error { return c.surf.AddLayer(spec, surface.FirstSymbolLayer(c.surf)) },
		func() {
			c.guard.Try(ctx, surface.OpRemoveLayer, ExtrusionLayer, func() error { return c.surf.RemoveLayer(ExtrusionLayer) })
		},
	)
}

// Banner is the last fatal style error, nil once a style loads.
func (c *Coordinator) Banner() error { return c.banner }

// Loaded reports whether any base style has been applied.
func (c *Coordinator) Loaded() bool { return c.loaded }
