package layerevents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type applied struct {
	op, layer string
}

type fakeApplier struct {
	mu        sync.Mutex
	calls     []applied
	failFirst bool
}

func (f *fakeApplier) ApplyLayerEvent(_ context.Context, op, layer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, applied{op, layer})
	if f.failFirst {
		f.failFirst = false
		return errors.New("session busy")
	}
	return nil
}

func (f *fakeApplier) Calls() []applied {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]applied(nil), f.calls...)
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "layer-changes" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(op, layer string, ver int64) []byte {
	b, _ := json.Marshal(Event{Version: 1, Op: op, Layer: layer, TS: time.Now().UTC(), LayerVersion: ver})
	return b
}

func newConsumerForTest(a Applier) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "layer-changes", GroupID: "g", DedupeSize: 16}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), a)
}

func msg(off int64, v []byte) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "layer-changes", Partition: 0, Offset: off, Value: v}
}

func TestConsumeClaim_OrderAndMarkAfterApply(t *testing.T) {
	a := &fakeApplier{}
	c := newConsumerForTest(a)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- msg(10, eventBytes(OpUpdated, "roads", 1))
	ch <- msg(11, eventBytes(OpDeleted, "parcels", 0))
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked=%v want [10 11]", s.marked)
	}
	calls := a.Calls()
	if len(calls) != 2 || calls[0] != (applied{OpUpdated, "roads"}) || calls[1] != (applied{OpDeleted, "parcels"}) {
		t.Fatalf("calls=%v", calls)
	}
}

func TestProcessOne_FailureNotMarkedThenRetried(t *testing.T) {
	a := &fakeApplier{failFirst: true}
	c := newConsumerForTest(a)
	m := msg(5, eventBytes(OpUpdated, "roads", 3))

	if err := c.ProcessOne(context.Background(), m); err == nil {
		t.Fatal("expected error on first attempt")
	}

	s := &sess{ctx: context.Background()}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- m
	close(ch)
	if err := (&groupHandler{process: c.ProcessOne}).ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("marked=%v", s.marked)
	}
	if n := len(a.Calls()); n != 2 {
		t.Fatalf("apply calls=%d want 2", n)
	}
}

func TestProcessOne_DedupesByLayerVersion(t *testing.T) {
	a := &fakeApplier{}
	c := newConsumerForTest(a)
	ctx := context.Background()

	for i, v := range []int64{4, 4, 3, 5} {
		if err := c.ProcessOne(ctx, msg(int64(i), eventBytes(OpUpdated, "roads", v))); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(a.Calls()); n != 2 {
		t.Fatalf("apply calls=%d want 2 (versions 4 and 5)", n)
	}
}

func TestProcessOne_DropsMalformedAndInvalid(t *testing.T) {
	a := &fakeApplier{}
	c := newConsumerForTest(a)
	ctx := context.Background()

	bad, _ := json.Marshal(Event{Version: 1, Op: "renamed", Layer: "roads", TS: time.Now()})
	for _, v := range [][]byte{[]byte("{not json"), bad} {
		if err := c.ProcessOne(ctx, msg(1, v)); err != nil {
			t.Fatalf("dropped message returned error: %v", err)
		}
	}
	if n := len(a.Calls()); n != 0 {
		t.Fatalf("apply calls=%d want 0", n)
	}
}

func TestMultiPartition_Parallel(t *testing.T) {
	a := &fakeApplier{}
	c := newConsumerForTest(a)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- msg(1, eventBytes(OpUpdated, "a", 0))
	p0 <- msg(2, eventBytes(OpUpdated, "a", 0))
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 1, Value: eventBytes(OpUpdated, "b", 0)}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 2, Value: eventBytes(OpDeleted, "b", 0)}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("marked=%v want 4 offsets", s.marked)
	}
}
