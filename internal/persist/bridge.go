package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/mapsync/internal/core/model"
	"github.com/mohammed-shakir/mapsync/internal/core/observability"
	"github.com/mohammed-shakir/mapsync/internal/keys"
)

// Slice names; each is stored under its own key.
const (
	SliceLayers      = "active-layers"
	SliceLayerStyles = "layer-styles"
	SliceAnnotations = "annotations"
	SliceBaseStyle   = "base-style"
	SliceCamera      = "camera"
	SliceExtrusion   = "extrusion"
)

var allSlices = []string{SliceLayers, SliceLayerStyles, SliceAnnotations, SliceBaseStyle, SliceCamera, SliceExtrusion}

// Snapshot is the persisted part of the desired state.
type Snapshot struct {
	Layers      []string               `json:"layers"`
	LayerStyles map[string]model.Style `json:"layerStyles"`
	Annotations []model.Annotation     `json:"annotations"`
	BaseStyle   string                 `json:"baseStyle"`
	Camera      model.Camera           `json:"camera"`
	Extrusion   bool                   `json:"extrusion"`
}

func DefaultSnapshot() Snapshot {
	return Snapshot{LayerStyles: map[string]model.Style{}, Camera: model.DefaultCamera()}
}

type write struct {
	key  string
	val  []byte // nil deletes
	done chan struct{}
}

type Bridge struct {
	store     Store
	log       *slog.Logger
	opTimeout time.Duration

	mu        sync.Mutex
	workspace string

	writes    chan write
	closeOnce sync.Once
	stopped   chan struct{}
}

const writeQueue = 256

func NewBridge(store Store, workspace string, opTimeout time.Duration, log *slog.Logger) *Bridge {
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		store:     store,
		log:       log,
		opTimeout: opTimeout,
		workspace: workspace,
		writes:    make(chan write, writeQueue),
		stopped:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bridge) Workspace() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workspace
}

// SetWorkspace retargets later reads and writes. Queued writes keep the
// key they were enqueued with.
func (b *Bridge) SetWorkspace(ws string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workspace = ws
}

func (b *Bridge) key(slice string) string {
	return keys.StoreKey(b.Workspace(), slice)
}

// Load reads every slice once. Store failures and corrupt values fall back
// to defaults per slice; Load never fails.
func (b *Bridge) Load(ctx context.Context) Snapshot {
	snap := DefaultSnapshot()
	ks := make([]string, len(allSlices))
	for i, s := range allSlices {
		ks[i] = b.key(s)
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	vals, err := b.store.MGet(ctx, ks)
	observability.ObservePersist("mget", err)
	if err != nil {
		b.log.WarnContext(ctx, "persist load failed; using defaults", "workspace", b.Workspace(), "err", err)
		return snap
	}

	decode := func(slice string, dst any) bool {
		raw, ok := vals[b.key(slice)]
		if !ok {
			return false
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			observability.ObservePersist("decode", err)
			b.log.WarnContext(ctx, "corrupt persisted slice reset", "slice", slice, "err", err)
			return false
		}
		return true
	}

	var layers []string
	if decode(SliceLayers, &layers) {
		snap.Layers = dedupe(layers)
	}
	var styles map[string]model.Style
	if decode(SliceLayerStyles, &styles) && styles != nil {
		snap.LayerStyles = styles
	}
	var anns []model.Annotation
	if decode(SliceAnnotations, &anns) {
		snap.Annotations = anns
	}
	var base string
	if decode(SliceBaseStyle, &base) {
		snap.BaseStyle = base
	}
	var cam model.Camera
	if decode(SliceCamera, &cam) && cam.Zoom >= 0 {
		snap.Camera = cam
	}
	var ext bool
	if decode(SliceExtrusion, &ext) {
		snap.Extrusion = ext
	}
	return snap
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// SaveLayers stores the active layer names, most recent first.
func (b *Bridge) SaveLayers(names []string) {
	b.saveCollection(SliceLayers, len(names), names)
}

func (b *Bridge) SaveLayerStyles(styles map[string]model.Style) {
	b.saveCollection(SliceLayerStyles, len(styles), styles)
}

// SaveAnnotations clears the key entirely when anns is empty.
func (b *Bridge) SaveAnnotations(anns []model.Annotation) {
	b.saveCollection(SliceAnnotations, len(anns), anns)
}

func (b *Bridge) SaveBaseStyle(id string) {
	b.saveCollection(SliceBaseStyle, len(id), id)
}

func (b *Bridge) SaveCamera(c model.Camera) {
	b.save(SliceCamera, c)
}

func (b *Bridge) SaveExtrusion(on bool) {
	b.save(SliceExtrusion, on)
}

// Save writes every slice of snap.
func (b *Bridge) Save(snap Snapshot) {
	b.SaveLayers(snap.Layers)
	b.SaveLayerStyles(snap.LayerStyles)
	b.SaveAnnotations(snap.Annotations)
	b.SaveBaseStyle(snap.BaseStyle)
	b.SaveCamera(snap.Camera)
	b.SaveExtrusion(snap.Extrusion)
}

func (b *Bridge) saveCollection(slice string, n int, v any) {
	if n == 0 {
		b.enqueue(write{key: b.key(slice)})
		return
	}
	b.save(slice, v)
}

func (b *Bridge) save(slice string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		b.log.Error("persist encode failed", "slice", slice, "err", err)
		return
	}
	b.enqueue(write{key: b.key(slice), val: raw})
}

func (b *Bridge) enqueue(w write) {
	select {
	case <-b.stopped:
		b.log.Warn("persist write after close dropped", "key", w.key)
	case b.writes <- w:
	}
}

// Flush blocks until every write enqueued before it has been applied.
func (b *Bridge) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case b.writes <- write{done: done}:
	case <-b.stopped:
		return fmt.Errorf("persist bridge closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued writes and stops the writer.
func (b *Bridge) Close(ctx context.Context) error {
	err := b.Flush(ctx)
	b.closeOnce.Do(func() { close(b.stopped) })
	return err
}

func (b *Bridge) run() {
	for {
		select {
		case <-b.stopped:
			return
		case w := <-b.writes:
			if w.done != nil {
				close(w.done)
				continue
			}
			b.apply(w)
		}
	}
}

func (b *Bridge) apply(w write) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)
	defer cancel()
	var err error
	op := "set"
	if w.val == nil {
		op = "del"
		err = b.store.Del(ctx, w.key)
	} else {
		err = b.store.Set(ctx, w.key, w.val)
	}
	observability.ObservePersist(op, err)
	if err != nil {
		b.log.Warn("persist write failed", "op", op, "key", w.key, "err", err)
	}
}
