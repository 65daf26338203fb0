package stream

import (
	"sync"
	"testing"
	"time"
)

// recordingController captures suspend/resume calls from the backoff
// manager.
type recordingController struct {
	mu        sync.Mutex
	suspended []string
	resumed   []string
}

func (c *recordingController) suspend(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = append(c.suspended, name)
}

func (c *recordingController) resume(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = append(c.resumed, name)
}

func (c *recordingController) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.suspended), len(c.resumed)
}

func TestBackoff_SuspendsAtThreshold(t *testing.T) {
	ctrl := &recordingController{}
	b := newBackoffManager(ctrl)
	defer b.Shutdown()

	b.RecordFailure("apod", 3, time.Hour)
	b.RecordFailure("apod", 3, time.Hour)
	if s, _ := ctrl.counts(); s != 0 {
		t.Fatalf("suspended after 2 failures; threshold is 3")
	}

	count := b.RecordFailure("apod", 3, time.Hour)
	if count != 3 {
		t.Errorf("count = %d; want 3", count)
	}
	if s, _ := ctrl.counts(); s != 1 {
		t.Fatalf("suspend calls = %d; want 1", s)
	}
	if !b.IsSuspended("apod") {
		t.Error("source should be suspended")
	}

	// Further failures while suspended must not re-trip
	b.RecordFailure("apod", 3, time.Hour)
	if s, _ := ctrl.counts(); s != 1 {
		t.Errorf("suspend re-fired while already suspended")
	}
}

func TestBackoff_CooldownResumesOnce(t *testing.T) {
	ctrl := &recordingController{}
	b := newBackoffManager(ctrl)
	defer b.Shutdown()

	for i := 0; i < 3; i++ {
		b.RecordFailure("apod", 3, 50*time.Millisecond)
	}
	if !b.IsSuspended("apod") {
		t.Fatal("not suspended at threshold")
	}

	if !waitFor(time.Second, func() bool { _, r := ctrl.counts(); return r == 1 }) {
		t.Fatal("cooldown did not resume the source")
	}
	if b.IsSuspended("apod") {
		t.Error("still suspended after cooldown")
	}
	if got := b.ErrorCount("apod"); got != 0 {
		t.Errorf("error count after cooldown = %d; want 0", got)
	}
}

func TestBackoff_SuccessResetsCount(t *testing.T) {
	ctrl := &recordingController{}
	b := newBackoffManager(ctrl)
	defer b.Shutdown()

	b.RecordFailure("apod", 3, time.Hour)
	b.RecordFailure("apod", 3, time.Hour)
	b.RecordSuccess("apod")
	if got := b.ErrorCount("apod"); got != 0 {
		t.Fatalf("count after success = %d; want 0", got)
	}

	// Two more failures should still be under the threshold
	b.RecordFailure("apod", 3, time.Hour)
	b.RecordFailure("apod", 3, time.Hour)
	if s, _ := ctrl.counts(); s != 0 {
		t.Error("suspended despite reset count")
	}
}

func TestBackoff_ClearCancelsPendingCooldown(t *testing.T) {
	ctrl := &recordingController{}
	b := newBackoffManager(ctrl)
	defer b.Shutdown()

	for i := 0; i < 3; i++ {
		b.RecordFailure("apod", 3, 30*time.Millisecond)
	}
	b.Clear("apod")

	time.Sleep(80 * time.Millisecond)
	if _, r := ctrl.counts(); r != 0 {
		t.Errorf("resume fired after Clear")
	}
	if b.IsSuspended("apod") {
		t.Error("still suspended after Clear")
	}
}
