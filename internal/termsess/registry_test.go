package termsess

import (
	"testing"
	"time"

	"github.com/oxterm/termcore/internal/cerr"
	"github.com/oxterm/termcore/internal/sshconn"
)

// fakeController is enough for paths that reject before touching the
// controller.
func fakeController() sshconn.Controller { return sshconn.Controller{} }

func TestCreateAssignsOrder(t *testing.T) {
	r := NewRegistry(0, 100)
	a, err := r.Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := r.Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Order >= b.Order {
		t.Errorf("orders not increasing: %d then %d", a.Order, b.Order)
	}
	if a.State() != StateDisconnected {
		t.Errorf("new session state = %s, want disconnected", a.State())
	}
}

func TestSessionLimit(t *testing.T) {
	r := NewRegistry(2, 100)
	for i := 0; i < 2; i++ {
		if _, err := r.Create(0); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	_, err := r.Create(0)
	if !cerr.Is(err, cerr.LimitReached) {
		t.Errorf("third create error = %v, want LimitReached", err)
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d after rejected create, want 2", r.Count())
	}
}

func TestStateMachineHappyPath(t *testing.T) {
	r := NewRegistry(0, 100)
	s, _ := r.Create(0)

	if err := r.StartConnect(s.ID); err != nil {
		t.Fatalf("StartConnect: %v", err)
	}
	if s.State() != StateConnecting {
		t.Errorf("state = %s, want connecting", s.State())
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", r.ActiveCount())
	}

	// Failure path: Connecting → Error keeps the active accounting.
	if err := r.SetError(s.ID, "host unreachable"); err != nil {
		t.Fatalf("SetError: %v", err)
	}
	if s.State() != StateError {
		t.Errorf("state = %s, want error", s.State())
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount after error = %d, want 1", r.ActiveCount())
	}
	if s.ErrorMessage() != "host unreachable" {
		t.Errorf("error message = %q", s.ErrorMessage())
	}

	if err := r.FinishDisconnect(s.ID); err != nil {
		t.Fatalf("FinishDisconnect: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount after disconnect = %d, want 0", r.ActiveCount())
	}
}

func TestIllegalTransitionsHaveNoSideEffects(t *testing.T) {
	r := NewRegistry(0, 100)
	s, _ := r.Create(0)

	// Cannot finish a connect that never started.
	if err := r.FinishConnect(s.ID, "conn-1", fakeController(), ""); !cerr.Is(err, cerr.StateTransition) {
		t.Errorf("FinishConnect from disconnected = %v, want StateTransition", err)
	}
	// Cannot disconnect what is not connected.
	if err := r.StartDisconnect(s.ID); !cerr.Is(err, cerr.StateTransition) {
		t.Errorf("StartDisconnect from disconnected = %v, want StateTransition", err)
	}
	// Cannot error a disconnected session.
	if err := r.SetError(s.ID, "x"); !cerr.Is(err, cerr.StateTransition) {
		t.Errorf("SetError from disconnected = %v, want StateTransition", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state changed by illegal transitions: %s", s.State())
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount changed by illegal transitions: %d", r.ActiveCount())
	}

	// Double StartConnect.
	if err := r.StartConnect(s.ID); err != nil {
		t.Fatalf("StartConnect: %v", err)
	}
	if err := r.StartConnect(s.ID); !cerr.Is(err, cerr.StateTransition) {
		t.Errorf("second StartConnect = %v, want StateTransition", err)
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d after rejected transition, want 1", r.ActiveCount())
	}
}

func TestWSBindingOnlyWhileConnected(t *testing.T) {
	r := NewRegistry(0, 100)
	s, _ := r.Create(0)

	if err := s.SetWSBinding(9999, "tok"); !cerr.Is(err, cerr.StateTransition) {
		t.Errorf("binding on disconnected session = %v, want StateTransition", err)
	}
	// Clearing is always legal.
	if err := s.SetWSBinding(0, ""); err != nil {
		t.Errorf("clearing binding: %v", err)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	r := NewRegistry(0, 100)
	if err := r.StartConnect("nope"); !cerr.Is(err, cerr.NotFound) {
		t.Errorf("StartConnect(unknown) = %v, want NotFound", err)
	}
	if err := r.Remove("nope"); !cerr.Is(err, cerr.NotFound) {
		t.Errorf("Remove(unknown) = %v, want NotFound", err)
	}
}

func TestReorder(t *testing.T) {
	r := NewRegistry(0, 100)
	a, _ := r.Create(0)
	b, _ := r.Create(0)
	c, _ := r.Create(0)

	r.Reorder([]string{c.ID, a.ID, b.ID})
	infos := r.List()
	wantOrder := []string{c.ID, a.ID, b.ID}
	for i, info := range infos {
		if info.ID != wantOrder[i] {
			t.Errorf("position %d = %s, want %s", i, info.ID, wantOrder[i])
		}
	}
}

func TestDetachTimerTeardown(t *testing.T) {
	r := NewRegistry(0, 100)
	s, _ := r.Create(0)
	r.StartConnect(s.ID)

	released := make(chan struct{})
	if err := r.MarkWSDetached(s.ID, 30*time.Millisecond, func() { close(released) }); err != nil {
		t.Fatalf("MarkWSDetached: %v", err)
	}
	if !s.Detached() {
		t.Errorf("session not marked detached")
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatalf("detach timeout callback never fired")
	}
}

func TestDetachTimerCancelledByResume(t *testing.T) {
	r := NewRegistry(0, 100)
	s, _ := r.Create(0)
	r.StartConnect(s.ID)

	fired := make(chan struct{})
	r.MarkWSDetached(s.ID, 50*time.Millisecond, func() { close(fired) })
	if err := r.ResumeWS(s.ID); err != nil {
		t.Fatalf("ResumeWS: %v", err)
	}
	if s.Detached() {
		t.Errorf("session still detached after resume")
	}

	select {
	case <-fired:
		t.Fatalf("detach callback fired after resume")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRemoveClearsRegistry(t *testing.T) {
	r := NewRegistry(0, 100)
	s, _ := r.Create(0)
	if err := r.Remove(s.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d after remove, want 0", r.Count())
	}
}
