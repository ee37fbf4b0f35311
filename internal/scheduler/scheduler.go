package scheduler

import (
	"context"
	"sync"
	"time"

	"helpdesk-mail-engine/internal/logging"
	"helpdesk-mail-engine/internal/models"
)

// CycleFunc runs one fetch cycle for a desk. Errors are desk-scoped: they are
// logged and the desk is retried on its next tick, never propagated to other
// desks' schedules.
type CycleFunc func(ctx context.Context, desk models.Desk) error

// Scheduler owns one timer-driven polling task per desk, keyed by desk id.
// Each desk's cycles run on a single goroutine, so a tick can never overlap
// a still-running cycle for the same desk; desks poll independently of each
// other. Reconfiguring a desk cancels and replaces its task entirely.
type Scheduler struct {
	interval time.Duration
	warmup   time.Duration
	run      CycleFunc

	mu    sync.Mutex
	desks map[int]*handle
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler that polls each desk at interval, after a one-time
// warm-up delay.
func New(run CycleFunc, interval, warmup time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		interval: interval,
		warmup:   warmup,
		run:      run,
		desks:    make(map[int]*handle),
	}
}

// Start begins polling every given desk
func (s *Scheduler) Start(desks []models.Desk) {
	for _, desk := range desks {
		s.Add(desk)
	}
}

// Add starts a polling task for the desk. A desk already being polled is
// reconfigured instead.
func (s *Scheduler) Add(desk models.Desk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(desk)
}

// Reconfigure replaces the desk's polling task with one using the desk's
// current credentials and settings.
func (s *Scheduler) Reconfigure(desk models.Desk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !desk.PollingEnabled {
		s.removeLocked(desk.ID)
		return
	}
	s.addLocked(desk)
}

// Remove stops polling the desk
func (s *Scheduler) Remove(deskID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(deskID)
}

// Stop cancels every desk's timer and abandons in-flight cycles without
// waiting for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.desks {
		h.cancel()
		delete(s.desks, id)
	}
}

func (s *Scheduler) addLocked(desk models.Desk) {
	if old, ok := s.desks[desk.ID]; ok {
		old.cancel()
		<-old.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	s.desks[desk.ID] = h

	go s.poll(ctx, desk, h)
	logging.Log.WithField("desk_id", desk.ID).Infof("Polling desk %q every %s", desk.Name, s.interval)
}

func (s *Scheduler) removeLocked(deskID int) {
	if h, ok := s.desks[deskID]; ok {
		h.cancel()
		delete(s.desks, deskID)
		logging.Log.WithField("desk_id", deskID).Info("Stopped polling desk")
	}
}

func (s *Scheduler) poll(ctx context.Context, desk models.Desk, h *handle) {
	defer close(h.done)

	// One-time warm-up fetch shortly after start
	warmup := time.NewTimer(s.warmup)
	defer warmup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
		s.runOnce(ctx, desk)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, desk)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, desk models.Desk) {
	if err := s.run(ctx, desk); err != nil && ctx.Err() == nil {
		logging.Log.WithField("desk_id", desk.ID).Errorf("Fetch cycle failed, retrying next tick: %v", err)
	}
}
