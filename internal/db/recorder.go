package db

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"xray-chatbot/pkg"
)

// Recorder archives conversation events in the background.  It is a
// conversation sink: Emit only queues, and a single worker writes to the
// repository in arrival order.  Archive failures are logged and dropped.
type Recorder struct {
	repo     *Repository
	notifier *Notifier
	logger   zerolog.Logger

	// mu guards closed so that no send races the close of jobs.
	mu     sync.RWMutex
	closed bool
	jobs   chan recordJob
	done   chan struct{}

	// seen is only touched by the worker.
	seen map[string]bool
}

type recordJob struct {
	event pkg.Event
	end   bool
}

// NewRecorder starts the worker.  notifier may be nil.
func NewRecorder(repo *Repository, notifier *Notifier, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		repo:     repo,
		notifier: notifier,
		logger:   log.With().Str("component", "recorder").Logger(),
		jobs:     make(chan recordJob, buffer),
		done:     make(chan struct{}),
		seen:     make(map[string]bool),
	}
	go r.run()
	return r
}

// Emit implements the conversation sink.  Events are dropped when the queue
// is full.
func (r *Recorder) Emit(ev pkg.Event) {
	r.enqueue(recordJob{event: ev})
}

// End marks the session as ended in the archive.
func (r *Recorder) End(sessionID string) {
	r.enqueue(recordJob{event: pkg.Event{SessionID: sessionID}, end: true})
}

func (r *Recorder) enqueue(job recordJob) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn().Str("session_id", job.event.SessionID).Msg("recorder closed, event dropped")
		return
	}
	select {
	case r.jobs <- job:
	default:
		r.logger.Warn().Str("session_id", job.event.SessionID).Str("kind", string(job.event.Kind)).Msg("archive queue full, event dropped")
	}
}

// Close stops accepting events and waits for the queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for job := range r.jobs {
		r.handle(context.Background(), job)
	}
}

func (r *Recorder) handle(ctx context.Context, job recordJob) {
	ev := job.event
	l := r.logger.With().Str("session_id", ev.SessionID).Logger()
	if !r.seen[ev.SessionID] {
		if err := r.repo.CreateSession(ctx, ev.SessionID); err != nil {
			l.Warn().Err(err).Msg("archive session")
			return
		}
		r.seen[ev.SessionID] = true
	}
	if job.end {
		if err := r.repo.EndSession(ctx, ev.SessionID); err != nil {
			l.Warn().Err(err).Msg("archive session end")
		}
		delete(r.seen, ev.SessionID)
		return
	}
	switch ev.Kind {
	case pkg.EventMessage:
		if ev.Message == nil {
			return
		}
		if err := r.repo.CreateMessage(ctx, ev.SessionID, *ev.Message); err != nil {
			l.Warn().Err(err).Msg("archive message")
		}
	case pkg.EventReportReady:
		if ev.Report == nil {
			return
		}
		if err := r.repo.RecordReport(ctx, ev.SessionID, *ev.Report); err != nil {
			l.Warn().Err(err).Msg("archive report")
			return
		}
		if err := r.notifier.Notify(ctx, ev.SessionID, *ev.Report); err != nil {
			l.Warn().Err(err).Msg("notify report ready")
		}
	}
}
