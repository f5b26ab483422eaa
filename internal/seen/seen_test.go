package seen

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/memohai/dmbridge/internal/channel"
)

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()

	set := New(nil, 10, nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := set.Claim("s1", "m1"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one claimer, got %d", wins.Load())
	}
}

func TestReleaseWithoutReplyAllowsReclaim(t *testing.T) {
	t.Parallel()

	set := New(nil, 10, nil)
	if _, ok := set.Claim("s1", "m1"); !ok {
		t.Fatal("first claim failed")
	}
	set.Release("s1", "m1")
	c, ok := set.Claim("s1", "m1")
	if !ok || c.Cached {
		t.Fatalf("expected fresh claim after release, got %+v %v", c, ok)
	}
}

func TestCachedReplySurvivesFailedDelivery(t *testing.T) {
	t.Parallel()

	set := New(nil, 10, nil)
	set.Claim("s1", "m1")
	set.Replied("s1", "m1", channel.TextReply("hello"))
	set.Release("s1", "m1")

	c, ok := set.Claim("s1", "m1")
	if !ok || !c.Cached || c.Reply.Text != "hello" {
		t.Fatalf("expected cached reply, got %+v %v", c, ok)
	}
	if _, ok := set.Claim("s1", "m1"); ok {
		t.Fatal("held entry must not be claimable twice")
	}
	set.Delivered("s1", "m1", time.Time{})
	if _, ok := set.Claim("s1", "m1"); ok {
		t.Fatal("delivered entry must not be claimable")
	}
	if set.Pending("s1") != 0 {
		t.Fatal("delivered entry still pending")
	}
}

func TestWindowTrimsOldestDelivered(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	set := New(nil, 3, nil)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		set.Claim("s1", id)
		set.Delivered("s1", id, base.Add(time.Duration(i)*time.Second))
	}
	set.Advance(context.Background(), "s1", base.Add(4*time.Second))
	if set.Seen("s1", "m0") || set.Seen("s1", "m1") {
		t.Fatal("oldest ids should be trimmed")
	}
	if !set.Seen("s1", "m2") || !set.Seen("s1", "m4") {
		t.Fatal("newest ids should be kept")
	}
}

func TestWindowKeepsIdsAboveWatermark(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := context.Background()
	set := New(nil, 2, nil)
	// an earlier message is stuck, so the watermark stays at base
	set.Advance(ctx, "s1", base)
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("m%d", i)
		set.Claim("s1", id)
		set.Delivered("s1", id, base.Add(time.Duration(i)*time.Second))
	}
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("m%d", i)
		if !set.Seen("s1", id) {
			t.Fatalf("%s above the watermark was trimmed", id)
		}
		if _, ok := set.Claim("s1", id); ok {
			t.Fatalf("%s must not be claimable again", id)
		}
	}

	set.Advance(ctx, "s1", base.Add(4*time.Second))
	if set.Seen("s1", "m1") || set.Seen("s1", "m2") {
		t.Fatal("ids below the new watermark should be trimmed")
	}
	if !set.Seen("s1", "m4") {
		t.Fatal("id at the watermark must be kept")
	}
}

type watermarkStore struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func (w *watermarkStore) LoadWatermark(_ context.Context, id string) (time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.items[id], nil
}

func (w *watermarkStore) SaveWatermark(_ context.Context, id string, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items[id] = at
	return nil
}

func (w *watermarkStore) DeleteWatermark(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.items, id)
	return nil
}

func TestWatermarkMonotonicAndPersisted(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := &watermarkStore{items: map[string]time.Time{"s1": base}}
	set := New(nil, 10, store)
	ctx := context.Background()

	if got := set.Watermark(ctx, "s1"); !got.Equal(base) {
		t.Fatalf("expected loaded watermark %v, got %v", base, got)
	}
	set.Advance(ctx, "s1", base.Add(-time.Minute))
	if got := set.Watermark(ctx, "s1"); !got.Equal(base) {
		t.Fatalf("watermark moved backwards to %v", got)
	}
	set.Advance(ctx, "s1", base.Add(time.Minute))
	if got := store.items["s1"]; !got.Equal(base.Add(time.Minute)) {
		t.Fatalf("watermark not persisted: %v", got)
	}

	set.Forget(ctx, "s1")
	if _, ok := store.items["s1"]; ok {
		t.Fatal("forget should delete persisted watermark")
	}
}

func TestIsNew(t *testing.T) {
	t.Parallel()

	set := New(nil, 10, nil)
	wm := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !set.IsNew("s1", "m1", wm.Add(time.Second), wm) {
		t.Fatal("newer message must be new")
	}
	if set.IsNew("s1", "m0", wm.Add(-time.Second), wm) {
		t.Fatal("older message must not be new")
	}
	if !set.IsNew("s1", "m2", wm, wm) {
		t.Fatal("unseen message at the watermark must be new")
	}
	set.Claim("s1", "m2")
	set.Delivered("s1", "m2", wm)
	if set.IsNew("s1", "m2", wm, wm) {
		t.Fatal("delivered message at the watermark must not be new")
	}
}
