package engine

import (
	"context"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/keys"
	"github.com/mohammed-shakir/mapsync/internal/state"
	"github.com/mohammed-shakir/mapsync/internal/surface"
)

// Selector turns clicks into a selection and the delete keys into the
// matching action. At most one selection kind is active.
type Selector struct {
	surf surface.Surface
	ds   *state.DesiredState
	rec  *Reconciler
	ann  *Annotations
}

func NewSelector(surf surface.Surface, ds *state.DesiredState, rec *Reconciler, ann *Annotations) *Selector {
	return &Selector{surf: surf, ds: ds, rec: rec, ann: ann}
}

// Click selects whatever is top-most at pt, or clears the selection.
func (s *Selector) Click(pt orb.Point) model.Selection {
	sel := model.Selection{}
	for _, hit := range s.surf.QueryRenderedFeatures(pt) {
		switch {
		case s.ann.IsAnnotationLayer(hit.LayerID):
			sel = model.Selection{Kind: model.SelectAnnotation, IDs: []string{hit.LayerID}}
		case hit.LayerID == OverlayPoints || hit.LayerID == OverlayLines:
			sel = model.Selection{Kind: model.SelectQueryOverlay, IDs: []string{OverlaySource}}
		case keys.IsLayerID(hit.LayerID):
			if name, ok := s.rec.LayerName(hit.LayerID); ok {
				sel = model.Selection{Kind: model.SelectLayerFeature, IDs: []string{name}}
			}
		}
		if sel.Kind != model.SelectNone {
			break
		}
	}
	s.ds.SetSelection(sel)
	return sel
}

// IsDeleteKey matches Backspace and Delete.
func IsDeleteKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "backspace", "delete", "del":
		return true
	}
	return false
}

// HandleKey dispatches the delete keys on the current selection: annotations
// are deleted, a layer feature deactivates its (server side) layer, the
// overlay is cleared. It reports what was acted on.
func (s *Selector) HandleKey(ctx context.Context, key string) model.SelectionKind {
	if !IsDeleteKey(key) {
		return model.SelectNone
	}
	sel := s.ds.Selection()
	if sel.Kind == model.SelectNone && len(s.surf.Draw().Selected()) > 0 {
		sel = model.Selection{Kind: model.SelectAnnotation, IDs: s.surf.Draw().Selected()}
	}
	switch sel.Kind {
	case model.SelectAnnotation:
		s.ann.DeleteSelected(ctx)
	case model.SelectLayerFeature:
		for _, name := range sel.IDs {
			s.rec.Deactivate(ctx, name)
		}
	case model.SelectQueryOverlay:
		s.ann.ClearOverlay(ctx)
	}
	s.ds.SetSelection(model.Selection{})
	return sel.Kind
}
