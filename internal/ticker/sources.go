package ticker

import (
	"runtime"
	"sync"
	"time"
)

// workerSource keeps a time.Ticker on a goroutine pinned to its own OS
// thread. Ticks are posted as messages to a receiver goroutine that runs the
// callback; a tick that arrives while the callback is still running is
// dropped rather than queued.
type workerSource struct {
	intervals chan time.Duration
	messages  chan struct{}
	quit      chan struct{}
	stopOnce  sync.Once
}

func newWorkerSource(interval time.Duration, fire func()) *workerSource {
	w := &workerSource{
		intervals: make(chan time.Duration, 1),
		messages:  make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	go w.run(interval)
	go w.receive(fire)
	return w
}

func (w *workerSource) run(interval time.Duration) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-w.quit:
			return
		case d := <-w.intervals:
			tk.Reset(d)
		case <-tk.C:
			select {
			case w.messages <- struct{}{}:
			default:
			}
		}
	}
}

func (w *workerSource) receive(fire func()) {
	for {
		select {
		case <-w.quit:
			return
		case <-w.messages:
			select {
			case <-w.quit:
				return
			default:
			}
			fire()
		}
	}
}

func (w *workerSource) SetInterval(d time.Duration) {
	select {
	case <-w.intervals:
	default:
	}
	select {
	case w.intervals <- d:
	case <-w.quit:
	}
}

func (w *workerSource) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

// timerSource re-arms a one-shot timer before each callback.
type timerSource struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	stopped  bool
	fire     func()
}

func newTimerSource(interval time.Duration, fire func()) *timerSource {
	s := &timerSource{interval: interval, fire: fire}
	s.mu.Lock()
	s.arm()
	s.mu.Unlock()
	return s
}

func (s *timerSource) arm() {
	s.timer = time.AfterFunc(s.interval, s.tick)
}

func (s *timerSource) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.arm()
	s.mu.Unlock()
	s.fire()
}

// SetInterval takes effect from the next re-arm.
func (s *timerSource) SetInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

func (s *timerSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
