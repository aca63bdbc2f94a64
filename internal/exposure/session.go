package exposure

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/resin/pkg/printjob"
)

var (
	// ErrBusy reports a print request while another print is running.
	ErrBusy = errors.New("printer busy")
	// ErrNoSession reports an unknown session ID.
	ErrNoSession = errors.New("no such print session")
)

// State is the lifecycle stage of a print session.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Session is a snapshot of one print.
type Session struct {
	ID       uuid.UUID  `json:"id"`
	Job      string     `json:"job"`
	State    State      `json:"state"`
	Layer    int        `json:"layer"`
	Total    int        `json:"total"`
	Z        float32    `json:"z"`
	Report   Report     `json:"report"`
	Error    string     `json:"error,omitempty"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
}

type session struct {
	Session
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs prints in the background, one at a time, and keeps their
// sessions for inspection.
type Manager struct {
	ctrl *Controller
	now  func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	active   *session
}

// NewManager returns a Manager printing through ctrl.
func NewManager(ctrl *Controller) *Manager {
	return &Manager{
		ctrl:     ctrl,
		now:      time.Now,
		sessions: make(map[uuid.UUID]*session),
	}
}

// Start begins printing job and takes ownership of it: the job is closed
// when the print ends. ctx bounds the print, so it should outlive the
// request that started it.
func (m *Manager) Start(ctx context.Context, name string, job *printjob.Job) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return Session{}, ErrBusy
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		Session: Session{
			ID:      uuid.New(),
			Job:     name,
			State:   StateRunning,
			Layer:   -1,
			Total:   int(job.LayerCount()),
			Started: m.now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.sessions[s.ID] = s
	m.active = s

	go m.run(ctx, s, job)
	return s.Session, nil
}

func (m *Manager) run(ctx context.Context, s *session, job *printjob.Job) {
	defer close(s.done)
	defer job.Close()
	defer s.cancel()

	rep, err := m.ctrl.Print(ctx, job, func(p Progress) {
		m.mu.Lock()
		s.Layer = p.Layer
		s.Z = p.Z
		m.mu.Unlock()
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	finished := m.now()
	s.Finished = &finished
	s.Report = rep
	switch {
	case err == nil:
		s.State = StateCompleted
	case errors.Is(err, context.Canceled):
		s.State = StateCancelled
	default:
		s.State = StateFailed
		s.Error = err.Error()
	}
	if m.active == s {
		m.active = nil
	}
}

// Get returns the session id.
func (m *Manager) Get(id uuid.UUID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// List returns every session, most recent first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out
}

// Cancel stops a running print. Cancelling a finished session is a no-op.
func (m *Manager) Cancel(id uuid.UUID) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Session{}, ErrNoSession
	}
	s.cancel()
	<-s.done
	snap, _ := m.Get(id)
	return snap, nil
}

// Done returns a channel closed when session id ends.
func (m *Manager) Done(id uuid.UUID) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	return s.done, nil
}
