package refresh

import (
	"sync"
	"testing"
	"time"

	"pipescope/internal/status"
)

type fakeTicker struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTicker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *tickerFactory) get(i int) *fakeTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[i]
}

func (f *tickerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

type chanNotifier chan string

func (c chanNotifier) TreeChanged(key string) { c <- key }

func newTestScheduler(t *testing.T) (*Scheduler, *tickerFactory, chanNotifier) {
	t.Helper()
	factory := &tickerFactory{}
	notes := make(chanNotifier, 8)
	s, err := NewScheduler(notes, Options{NewTicker: factory.New})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s, factory, notes
}

func expectNotification(t *testing.T, notes chanNotifier) {
	t.Helper()
	select {
	case key := <-notes:
		if key != "" {
			t.Fatalf("tick key = %q, want whole tree", key)
		}
	case <-time.After(time.Second):
		t.Fatalf("no notification after tick")
	}
}

func expectSilence(t *testing.T, notes chanNotifier) {
	t.Helper()
	select {
	case key := <-notes:
		t.Fatalf("unexpected notification %q", key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s, factory, notes := newTestScheduler(t)

	s.Start()
	s.Start()

	if factory.count() != 2 {
		t.Fatalf("tickers = %d, want 2", factory.count())
	}
	first, second := factory.get(0), factory.get(1)
	if !first.isStopped() {
		t.Fatalf("first ticker still running after restart")
	}

	first.c <- time.Now()
	expectSilence(t, notes)

	second.c <- time.Now()
	expectNotification(t, notes)
	expectSilence(t, notes)
}

func TestStopHaltsTicks(t *testing.T) {
	s, factory, notes := newTestScheduler(t)
	s.Start()
	s.Stop()
	s.Stop()

	if s.State() != Stopped {
		t.Fatalf("state = %s", s.State())
	}
	if !factory.get(0).isStopped() {
		t.Fatalf("ticker not stopped")
	}
	factory.get(0).c <- time.Now()
	expectSilence(t, notes)
}

func TestObserveTransitions(t *testing.T) {
	s, factory, _ := newTestScheduler(t)

	steps := []struct {
		name    string
		states  []status.State
		want    State
		tickers int
	}{
		{name: "nothing active", states: []status.State{status.Succeeded}, want: Stopped, tickers: 0},
		{name: "running run starts", states: []status.State{status.Running, status.Succeeded, status.Failed}, want: Running, tickers: 1},
		{name: "still active keeps timer", states: []status.State{status.Queued}, want: Running, tickers: 1},
		{name: "approval gate alone stops", states: []status.State{status.AwaitingApproval}, want: Stopped, tickers: 1},
		{name: "empty fetch stays stopped", states: nil, want: Stopped, tickers: 1},
		{name: "active again restarts", states: []status.State{status.Running}, want: Running, tickers: 2},
		{name: "zero active stops", states: []status.State{status.Failed, status.Unknown}, want: Stopped, tickers: 2},
	}
	for _, step := range steps {
		s.Observe(step.states)
		if got := s.State(); got != step.want {
			t.Fatalf("%s: state = %s, want %s", step.name, got, step.want)
		}
		if got := factory.count(); got != step.tickers {
			t.Fatalf("%s: tickers = %d, want %d", step.name, got, step.tickers)
		}
	}
}

type countingRecorder struct {
	mu     sync.Mutex
	states []bool
	ticks  int
}

func (c *countingRecorder) RefreshState(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, running)
}

func (c *countingRecorder) RefreshTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
}

func TestRecorderSeesTransitionsAndTicks(t *testing.T) {
	factory := &tickerFactory{}
	notes := make(chanNotifier, 1)
	rec := &countingRecorder{}
	s, err := NewScheduler(notes, Options{NewTicker: factory.New, Recorder: rec, Interval: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	s.Start()
	factory.get(0).c <- time.Now()
	expectNotification(t, notes)
	s.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ticks != 1 || len(rec.states) != 2 || !rec.states[0] || rec.states[1] {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestNewSchedulerRequiresNotifier(t *testing.T) {
	if _, err := NewScheduler(nil, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
