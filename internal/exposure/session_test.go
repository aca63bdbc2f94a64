package exposure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// gate blocks every wait until it is opened or the context ends.
type gate chan struct{}

func (g gate) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g:
		return nil
	}
}

func waitDone(t *testing.T, m *Manager, id uuid.UUID) Session {
	t.Helper()
	done, err := m.Done(id)
	if err != nil {
		t.Fatalf("done: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish", id)
	}
	s, ok := m.Get(id)
	if !ok {
		t.Fatalf("session %s vanished", id)
	}
	return s
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	g := make(gate)
	fb := NewFramebuffer(width, height)
	m := NewManager(NewController(fb, &Axis{}, Config{Sleep: g.sleep}))

	first, err := m.Start(context.Background(), "cube.ctb", openJob(t, nil))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.State != StateRunning || first.Total != 3 || first.Job != "cube.ctb" {
		t.Fatalf("started session: %+v", first)
	}
	if _, err := m.Start(context.Background(), "other.ctb", openJob(t, nil)); !errors.Is(err, ErrBusy) {
		t.Fatalf("second start: got %v", err)
	}

	cancelled, err := m.Cancel(first.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != StateCancelled || cancelled.Finished == nil {
		t.Fatalf("cancelled session: %+v", cancelled)
	}
	if fb.Lit() {
		t.Fatalf("light left on after cancel")
	}

	close(g)
	second, err := m.Start(context.Background(), "cube.ctb", openJob(t, nil))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	done := waitDone(t, m, second.ID)
	if done.State != StateCompleted || done.Layer != 2 || done.Report.Exposed != 3 {
		t.Fatalf("completed session: %+v", done)
	}

	if got := m.List(); len(got) != 2 {
		t.Fatalf("list: got %d sessions", len(got))
	}
	if _, err := m.Cancel(uuid.New()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("unknown cancel: got %v", err)
	}
}

func TestManagerRecordsFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(NewController(NewFramebuffer(width, height), &Axis{}, Config{Sleep: (&recorder{}).sleep}))
	s, err := m.Start(context.Background(), "bad.ctb", openJob(t, corruptMiddle))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	done := waitDone(t, m, s.ID)
	if done.State != StateFailed || done.Error == "" || done.Report.Exposed != 1 {
		t.Fatalf("failed session: %+v", done)
	}
}
