package relay_test

import (
	"sync"
	"testing"
	"time"

	"github.com/simonefil/RoonBroadcastRelay/internal/relay"
)

func TestDedupWindowSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	d := relay.NewDedupWindow(100 * time.Millisecond)
	base := time.Now()

	if d.Seen(5353, base) {
		t.Error("first Seen() = true, want false")
	}
	if !d.Seen(5353, base.Add(10*time.Millisecond)) {
		t.Error("second Seen() within window = false, want true")
	}
}

func TestDedupWindowAllowsAfterWindow(t *testing.T) {
	t.Parallel()

	d := relay.NewDedupWindow(100 * time.Millisecond)
	base := time.Now()

	d.Seen(1900, base)
	if d.Seen(1900, base.Add(150*time.Millisecond)) {
		t.Error("Seen() after window elapsed = true, want false")
	}
}

func TestDedupWindowZeroDisablesSuppression(t *testing.T) {
	t.Parallel()

	d := relay.NewDedupWindow(0)
	now := time.Now()

	if d.Seen(9003, now) {
		t.Error("Seen() with zero window = true, want false")
	}
	if d.Seen(9003, now) {
		t.Error("repeat Seen() with zero window = true, want false")
	}
}

func TestDedupWindowPrunesStaleEntries(t *testing.T) {
	t.Parallel()

	d := relay.NewDedupWindow(50 * time.Millisecond)
	base := time.Now()

	d.Seen(1, base)
	d.Seen(2, base)
	d.Seen(3, base.Add(200 * time.Millisecond))

	if got := d.Len(); got != 1 {
		t.Errorf("Len() after pruning = %d, want 1", got)
	}
}

func TestDedupWindowConcurrentAccess(t *testing.T) {
	t.Parallel()

	d := relay.NewDedupWindow(100 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Seen(uint16(i%10), time.Now())
		}()
	}
	wg.Wait()
}
