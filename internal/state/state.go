// Package state holds DesiredState, the single source of truth that the
// reconciler and annotation controller diff the surface against. It is not
// safe for concurrent use; the session loop owns it.
package state

import (
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/persist"
)

type DesiredState struct {
	order   []string // active layer names, most recently activated first
	layers  map[string]model.LogicalLayer
	styles  map[string]model.Style
	anns    []model.Annotation
	mode    model.DrawMode
	base    string
	overlay *geojson.FeatureCollection
	camera  model.Camera
	extrude bool
	sel     model.Selection
}

func New() *DesiredState {
	return &DesiredState{
		layers: map[string]model.LogicalLayer{},
		styles: map[string]model.Style{},
		mode:   model.ModeSelect,
		camera: model.DefaultCamera(),
	}
}

// Activate records l as the most recently activated layer.
func (d *DesiredState) Activate(l model.LogicalLayer) {
	d.order = slices.DeleteFunc(d.order, func(n string) bool { return n == l.Name })
	d.order = slices.Insert(d.order, 0, l.Name)
	if prev, ok := d.layers[l.Name]; ok && l.Kind == model.KindUnknown {
		l.Kind = prev.Kind
	}
	d.layers[l.Name] = l
}

// Deactivate drops name from the active set. Its saved style is kept.
func (d *DesiredState) Deactivate(name string) bool {
	if _, ok := d.layers[name]; !ok {
		return false
	}
	delete(d.layers, name)
	d.order = slices.DeleteFunc(d.order, func(n string) bool { return n == name })
	return true
}

func (d *DesiredState) IsActive(name string) bool {
	_, ok := d.layers[name]
	return ok
}

func (d *DesiredState) Layer(name string) (model.LogicalLayer, bool) {
	l, ok := d.layers[name]
	return l, ok
}

func (d *DesiredState) SetLayerKind(name string, k model.GeometryKind) {
	if l, ok := d.layers[name]; ok {
		l.Kind = k
		d.layers[name] = l
	}
}

// ActiveLayers returns the active names, most recent first.
func (d *DesiredState) ActiveLayers() []string {
	return slices.Clone(d.order)
}

// SetZOrder reorders the active layers. Names in order that are not active
// are ignored; active layers missing from order keep their relative
// position after the listed ones.
func (d *DesiredState) SetZOrder(order []string) {
	next := make([]string, 0, len(d.order))
	seen := map[string]bool{}
	for _, n := range order {
		if d.IsActive(n) && !seen[n] {
			next = append(next, n)
			seen[n] = true
		}
	}
	for _, n := range d.order {
		if !seen[n] {
			next = append(next, n)
		}
	}
	d.order = next
}

// LayerStyle returns the saved style or the default.
func (d *DesiredState) LayerStyle(name string) model.Style {
	if s, ok := d.styles[name]; ok {
		return s
	}
	return model.DefaultLayerStyle()
}

func (d *DesiredState) SetLayerStyle(name string, s model.Style) {
	d.styles[name] = s
}

func (d *DesiredState) LayerStyles() map[string]model.Style {
	out := make(map[string]model.Style, len(d.styles))
	for k, v := range d.styles {
		out[k] = v
	}
	return out
}

func (d *DesiredState) annIndex(id string) int {
	return slices.IndexFunc(d.anns, func(a model.Annotation) bool { return a.ID == id })
}

// PutAnnotation adds a or replaces the annotation with the same id.
func (d *DesiredState) PutAnnotation(a model.Annotation) {
	if i := d.annIndex(a.ID); i >= 0 {
		d.anns[i] = a
		return
	}
	d.anns = append(d.anns, a)
}

func (d *DesiredState) Annotation(id string) (model.Annotation, bool) {
	if i := d.annIndex(id); i >= 0 {
		return d.anns[i], true
	}
	return model.Annotation{}, false
}

func (d *DesiredState) RemoveAnnotation(id string) bool {
	i := d.annIndex(id)
	if i < 0 {
		return false
	}
	d.anns = slices.Delete(d.anns, i, i+1)
	return true
}

func (d *DesiredState) SetAnnotationGeometry(id string, g orb.Geometry) bool {
	i := d.annIndex(id)
	if i < 0 {
		return false
	}
	d.anns[i].Geometry = g
	return true
}

// Annotations returns the annotations in creation order.
func (d *DesiredState) Annotations() []model.Annotation {
	return slices.Clone(d.anns)
}

func (d *DesiredState) Mode() model.DrawMode     { return d.mode }
func (d *DesiredState) SetMode(m model.DrawMode) { d.mode = m }

func (d *DesiredState) BaseStyle() string      { return d.base }
func (d *DesiredState) SetBaseStyle(id string) { d.base = id }

// Overlay returns the current query overlay, nil when cleared.
func (d *DesiredState) Overlay() *geojson.FeatureCollection { return d.overlay }

func (d *DesiredState) SetOverlay(fc *geojson.FeatureCollection) {
	if fc != nil && len(fc.Features) == 0 {
		fc = nil
	}
	d.overlay = fc
}

func (d *DesiredState) Camera() model.Camera     { return d.camera }
func (d *DesiredState) SetCamera(c model.Camera) { d.camera = c }

func (d *DesiredState) Extrusion() bool      { return d.extrude }
func (d *DesiredState) SetExtrusion(on bool) { d.extrude = on }

func (d *DesiredState) Selection() model.Selection { return d.sel }

func (d *DesiredState) SetSelection(s model.Selection) {
	if len(s.IDs) == 0 {
		s = model.Selection{}
	}
	d.sel = s
}

// Replace overwrites d with o in place so holders of d see the new state.
func (d *DesiredState) Replace(o *DesiredState) {
	*d = *o
}

// Snapshot returns the persisted slices.
func (d *DesiredState) Snapshot() persist.Snapshot {
	return persist.Snapshot{
		Layers:      d.ActiveLayers(),
		LayerStyles: d.LayerStyles(),
		Annotations: d.Annotations(),
		BaseStyle:   d.base,
		Camera:      d.camera,
		Extrusion:   d.extrude,
	}
}

// Restore rebuilds the desired state from a snapshot. lookup resolves a
// persisted layer name to its server side definition; names it rejects
// are dropped.
func Restore(snap persist.Snapshot, lookup func(name string) (model.LogicalLayer, bool)) *DesiredState {
	d := New()
	for i := len(snap.Layers) - 1; i >= 0; i-- {
		if l, ok := lookup(snap.Layers[i]); ok {
			d.Activate(l)
		}
	}
	for k, v := range snap.LayerStyles {
		d.styles[k] = v
	}
	for _, a := range snap.Annotations {
		if a.ID == "" || a.Geometry == nil {
			continue
		}
		d.PutAnnotation(a)
	}
	d.base = snap.BaseStyle
	d.camera = snap.Camera
	d.extrude = snap.Extrusion
	return d
}
