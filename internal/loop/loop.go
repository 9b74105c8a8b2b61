// Package loop runs client state mutations on one goroutine.
package loop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler is what components need from the loop. Every callback it runs
// executes on the loop goroutine.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Go(work func(), done func())
	Now() time.Time
}

type Timer interface {
	Stop() bool
}

// Loop drains posted commands one at a time.
type Loop struct {
	commands chan func()
	closing  chan struct{}
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger
}

func New(logger zerolog.Logger) *Loop {
	l := &Loop{
		commands: make(chan func(), 256),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.With().Str("component", "loop").Logger(),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.commands:
			l.exec(fn)
		case <-l.closing:
			return
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("[LOOP] command panicked")
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and drops fn once the
// loop is closed.
func (l *Loop) Post(fn func()) {
	select {
	case l.commands <- fn:
	case <-l.closing:
	}
}

// AfterFunc posts fn once d has elapsed. Stop also cancels a callback that
// already fired but is still waiting in the queue.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.state.CompareAndSwap(timerArmed, timerRan) {
				fn()
			}
		})
	})
	return t
}

const (
	timerArmed int32 = iota
	timerStopped
	timerRan
)

type loopTimer struct {
	timer *time.Timer
	state atomic.Int32
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.state.CompareAndSwap(timerArmed, timerStopped)
}

// Go runs work on its own goroutine and posts done when it returns.
func (l *Loop) Go(work func(), done func()) {
	go func() {
		work()
		if done != nil {
			l.Post(done)
		}
	}()
}

func (l *Loop) Now() time.Time { return time.Now() }

// Call posts fn and waits for it to run.
func (l *Loop) Call(fn func()) {
	ran := make(chan struct{})
	l.Post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-l.done:
	}
}

func (l *Loop) Close() {
	l.once.Do(func() { close(l.closing) })
	<-l.done
}
