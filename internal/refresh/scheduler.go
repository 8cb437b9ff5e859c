// Package refresh drives periodic re-fetching of the run list while runs are active.
package refresh

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pipescope/internal/status"
)

// DefaultInterval is the tick period used when none is configured.
const DefaultInterval = 10 * time.Second

// State is the scheduler state.
type State string

const (
	Stopped State = "stopped"
	Running State = "running"
)

// Ticker is the subset of time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

// NewTimeTicker wraps time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Notifier receives the "data changed" event fired on every tick. An empty key
// asks consumers to re-pull the whole tree.
type Notifier interface {
	TreeChanged(key string)
}

// Recorder is told about state transitions and ticks.
type Recorder interface {
	RefreshState(running bool)
	RefreshTick()
}

// Options configures a Scheduler.
type Options struct {
	Interval  time.Duration
	NewTicker func(time.Duration) Ticker
	Recorder  Recorder
	Logger    *zerolog.Logger
}

// Scheduler owns a single repeating timer. Each tick only fires a notification;
// fetching is left to whoever consumes it.
type Scheduler struct {
	interval  time.Duration
	newTicker func(time.Duration) Ticker
	notifier  Notifier
	recorder  Recorder
	logger    zerolog.Logger

	mu     sync.Mutex
	ticker Ticker
	stop   chan struct{}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(notifier Notifier, opts Options) (*Scheduler, error) {
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTimeTicker
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Scheduler{
		interval:  opts.Interval,
		newTicker: opts.NewTicker,
		notifier:  notifier,
		recorder:  opts.Recorder,
		logger:    logger,
	}, nil
}

// Start installs a fresh timer, stopping any existing one first.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	ticker := s.newTicker(s.interval)
	stop := make(chan struct{})
	s.ticker = ticker
	s.stop = stop
	go s.loop(ticker, stop)

	s.logger.Debug().Dur("interval", s.interval).Msg("auto refresh started")
	if s.recorder != nil {
		s.recorder.RefreshState(true)
	}
}

// Stop removes the timer. Fetches already triggered are left to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	s.stopLocked()
	s.logger.Debug().Msg("auto refresh stopped")
	if s.recorder != nil {
		s.recorder.RefreshState(false)
	}
}

func (s *Scheduler) stopLocked() {
	if s.ticker == nil {
		return
	}
	close(s.stop)
	s.ticker.Stop()
	s.ticker = nil
	s.stop = nil
}

// State reports whether the timer is installed.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return Stopped
	}
	return Running
}

// Observe applies the result of a top-level fetch: any active run keeps or puts
// the scheduler in Running, none stops it.
func (s *Scheduler) Observe(states []status.State) {
	active := false
	for _, st := range states {
		if st.Active() {
			active = true
			break
		}
	}

	running := s.State() == Running
	switch {
	case active && !running:
		s.Start()
	case !active && running:
		s.Stop()
	}
}

func (s *Scheduler) loop(ticker Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			select {
			case <-stop:
				return
			default:
			}
			if s.recorder != nil {
				s.recorder.RefreshTick()
			}
			s.notifier.TreeChanged("")
		}
	}
}
