package memory

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mapsync/internal/surface"
)

// Drawer is the in-memory draw tool. Programmatic calls (Add, Delete,
// ChangeMode) fire no events; the user-input simulators (Complete, Edit,
// Select, Trash) fire the matching draw.* event.
type Drawer struct {
	s        *Surface
	mode     string
	features map[string]*geojson.Feature
	selected []string
}

var _ surface.DrawTool = (*Drawer)(nil)

var drawModes = []string{
	surface.DrawSimpleSelect,
	surface.DrawDirectSelect,
	surface.DrawPoint,
	surface.DrawLineString,
	surface.DrawPolygon,
}

func (d *Drawer) Mode() string {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.mode
}

func (d *Drawer) ChangeMode(mode string) error {
	if !slices.Contains(drawModes, mode) {
		return fmt.Errorf("%w: %q", surface.ErrUnknownMode, mode)
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.mode = mode
	return nil
}

func (d *Drawer) Add(f *geojson.Feature) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.put(f)
}

// put stores f, assigning a random id when it has none. Caller holds mu.
func (d *Drawer) put(f *geojson.Feature) string {
	id, _ := f.ID.(string)
	if id == "" {
		id = uuid.NewString()
		f.ID = id
	}
	d.features[id] = f
	return id
}

func (d *Drawer) Get(id string) (*geojson.Feature, bool) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	f, ok := d.features[id]
	return f, ok
}

func (d *Drawer) Delete(ids ...string) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.remove(ids)
}

func (d *Drawer) remove(ids []string) []*geojson.Feature {
	var gone []*geojson.Feature
	for _, id := range ids {
		f, ok := d.features[id]
		if !ok {
			continue
		}
		gone = append(gone, f)
		delete(d.features, id)
		d.selected = slices.DeleteFunc(d.selected, func(o string) bool { return o == id })
	}
	return gone
}

func (d *Drawer) Selected() []string {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return slices.Clone(d.selected)
}

// Complete simulates the user finishing a shape and fires draw.create.
func (d *Drawer) Complete(g orb.Geometry) *geojson.Feature {
	f := geojson.NewFeature(g)
	d.s.mu.Lock()
	d.put(f)
	d.s.mu.Unlock()
	d.s.emit(surface.Event{Type: surface.EventDrawCreate, Features: []*geojson.Feature{f}})
	return f
}

// Edit simulates a vertex drag on id and fires draw.update.
func (d *Drawer) Edit(id string, g orb.Geometry) error {
	d.s.mu.Lock()
	f, ok := d.features[id]
	if !ok {
		d.s.mu.Unlock()
		return fmt.Errorf("draw feature %q: %w", id, surface.ErrNotFound)
	}
	f.Geometry = g
	d.s.mu.Unlock()
	d.s.emit(surface.Event{Type: surface.EventDrawUpdate, Action: "change_coordinates", Features: []*geojson.Feature{f}})
	return nil
}

// Select replaces the selection and fires draw.selectionchange.
func (d *Drawer) Select(ids ...string) {
	d.s.mu.Lock()
	d.selected = d.selected[:0]
	var feats []*geojson.Feature
	for _, id := range ids {
		if f, ok := d.features[id]; ok {
			d.selected = append(d.selected, id)
			feats = append(feats, f)
		}
	}
	d.s.mu.Unlock()
	d.s.emit(surface.Event{Type: surface.EventDrawSelectionChange, Features: feats})
}

// Trash deletes the selection the way the toolbar button does and fires
// draw.delete.
func (d *Drawer) Trash() {
	d.s.mu.Lock()
	gone := d.remove(slices.Clone(d.selected))
	d.s.mu.Unlock()
	if len(gone) == 0 {
		return
	}
	d.s.emit(surface.Event{Type: surface.EventDrawDelete, Features: gone})
}
