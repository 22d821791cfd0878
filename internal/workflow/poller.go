package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler calls tick periodically until stopped.
type Scheduler interface {
	Start(interval time.Duration, tick func())
	Stop()
}

// TickerScheduler runs tick once right away and then on a time.Ticker. Ticks
// run on one goroutine, so a slow tick delays the next one instead of
// overlapping it; ticks missed meanwhile are dropped.
type TickerScheduler struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (s *TickerScheduler) Start(interval time.Duration, tick func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				tick()
			}
		}
	}(s.stop, s.done)
}

// Stop returns after the running tick, if any, has finished.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Refresher is one reconciliation cycle.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Poller keeps local queue state in step with the backend while a view is
// active. At most one poll is in flight at a time.
type Poller struct {
	refresher Refresher
	sched     Scheduler
	interval  time.Duration
	log       *zap.Logger

	busy atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewPoller(r Refresher, sched Scheduler, interval time.Duration, log *zap.Logger) *Poller {
	if sched == nil {
		sched = &TickerScheduler{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		refresher: r,
		sched:     sched,
		interval:  interval,
		log:       log.With(zap.String("component", "poller")),
	}
}

// Start begins polling. It is a no-op while already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.log.Info("Queue polling started", zap.Duration("interval", p.interval))
	p.sched.Start(p.interval, func() { p.Tick(ctx) })
}

// Stop ends polling; no tick runs after it returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.sched.Stop()
	p.log.Info("Queue polling stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Tick runs one poll unless one is already in flight or ctx is done. It
// reports whether a poll ran. Errors are logged; the next tick retries.
func (p *Poller) Tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !p.busy.CompareAndSwap(false, true) {
		p.log.Debug("Previous poll still running, skipping tick")
		return false
	}
	defer p.busy.Store(false)

	if err := p.refresher.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.log.Warn("Queue poll failed", zap.Error(err))
	}
	return true
}
