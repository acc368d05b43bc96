package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"
)

// Fetcher loads the current status of a job.
type Fetcher interface {
	Fetch(ctx context.Context, jobID uuid.UUID) (*pipeline.JobStatusView, error)
}

// Option configures a Poller.
type Option func(*Poller)

// WithStateStore persists the in-flight job so a later watcher can resume it.
func WithStateStore(s *StateStore) Option {
	return func(p *Poller) { p.state = s }
}

// WithOnUpdate is called after every successful fetch.
func WithOnUpdate(fn func(*pipeline.JobStatusView)) Option {
	return func(p *Poller) { p.onUpdate = fn }
}

// WithOnError is called when a fetch fails and polling continues.
func WithOnError(fn func(error)) Option {
	return func(p *Poller) { p.onError = fn }
}

// Poller watches a single job until it is COMPLETED or FAILED.
type Poller struct {
	fetcher Fetcher
	jobID   uuid.UUID

	state    *StateStore
	onUpdate func(*pipeline.JobStatusView)
	onError  func(error)
	after    func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	st     State
	polls  int
	last   *pipeline.JobStatusView
	cancel context.CancelFunc
}

func New(f Fetcher, jobID uuid.UUID, opts ...Option) *Poller {
	p := &Poller{
		fetcher: f,
		jobID:   jobID,
		after:   time.After,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

// Last returns the most recent status, or nil before the first fetch.
func (p *Poller) Last() *pipeline.JobStatusView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Run fetches immediately and then on the Interval schedule until the job is
// terminal, ctx is done or Stop is called. It returns the last status seen.
// Once settled, Run returns the terminal status without fetching.
func (p *Poller) Run(ctx context.Context) (*pipeline.JobStatusView, error) {
	p.mu.Lock()
	if p.st == StateSettled {
		last := p.last
		p.mu.Unlock()
		return last, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.st = transition(p.st, EventStart)
	p.mu.Unlock()
	defer cancel()

	for {
		settled, err := p.poll(ctx)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Permanent() {
				p.fire(EventStop)
				return p.Last(), err
			}
			if ctx.Err() == nil && p.onError != nil {
				p.onError(err)
			}
		}
		if settled {
			return p.Last(), nil
		}

		p.mu.Lock()
		wait := Interval(p.polls)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.fire(EventStop)
			return p.Last(), ctx.Err()
		case <-p.after(wait):
			p.fire(EventTick)
		}
	}
}

// Refresh fetches once outside the schedule. It does nothing once settled.
func (p *Poller) Refresh(ctx context.Context) (*pipeline.JobStatusView, error) {
	if p.State() == StateSettled {
		return p.Last(), nil
	}
	if _, err := p.poll(ctx); err != nil {
		return p.Last(), err
	}
	return p.Last(), nil
}

// Stop cancels a running Run.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Poller) fire(e Event) {
	p.mu.Lock()
	p.st = transition(p.st, e)
	p.mu.Unlock()
}

// poll fetches once and reports whether the job is now settled.
func (p *Poller) poll(ctx context.Context) (bool, error) {
	view, err := p.fetcher.Fetch(ctx, p.jobID)
	if err != nil {
		return false, err
	}

	terminal := models.IsTerminal(view.Status)

	p.mu.Lock()
	if p.st == StateSettled {
		// a concurrent Refresh got there first
		p.mu.Unlock()
		return true, nil
	}
	p.polls++
	p.last = view
	if terminal {
		p.st = transition(p.st, EventTerminal)
	}
	p.mu.Unlock()

	if p.state != nil {
		if terminal {
			err = p.state.Clear()
		} else {
			err = p.state.Save(p.jobID, view.Status)
		}
		if err != nil {
			slog.Warn("poller state not persisted", "job_id", p.jobID, "error", err)
		}
	}

	if p.onUpdate != nil {
		p.onUpdate(view)
	}
	return terminal, nil
}
