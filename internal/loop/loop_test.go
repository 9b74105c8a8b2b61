package loop

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoopRunsCommandsInOrder(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Call(func() {})

	if len(got) != 50 {
		t.Fatalf("ran %d commands, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("command %d ran at position %d", v, i)
		}
	}
}

func TestLoopGoPostsDone(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var result int
	l.Go(func() { result = 42 }, func() {
		defer wg.Done()
		if result != 42 {
			t.Errorf("done ran before work finished")
		}
	})
	wg.Wait()
}

func TestLoopSurvivesPanickingCommand(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	l.Post(func() { panic("boom") })
	ran := false
	l.Call(func() { ran = true })
	if !ran {
		t.Fatal("loop stopped after a panicking command")
	}
}

func TestLoopPostAfterCloseIsDropped(t *testing.T) {
	l := New(zerolog.Nop())
	l.Close()

	done := make(chan struct{})
	go func() {
		l.Post(func() { t.Error("command ran after close") })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post blocked after Close")
	}
}

func TestLoopTimerStopCancelsQueuedCallback(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	release := make(chan struct{})
	l.Post(func() { <-release })

	ran := false
	timer := l.AfterFunc(time.Millisecond, func() { ran = true })
	// Let the timer fire while the loop is busy so its callback is queued.
	time.Sleep(50 * time.Millisecond)

	if !timer.Stop() {
		t.Fatal("Stop should cancel a callback that has not run")
	}
	close(release)
	l.Call(func() {})

	if ran {
		t.Fatal("stopped timer callback ran")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
}

func TestLoopTimerStopAfterRun(t *testing.T) {
	l := New(zerolog.Nop())
	defer l.Close()

	fired := make(chan struct{})
	timer := l.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	if timer.Stop() {
		t.Fatal("Stop after the callback ran should report false")
	}
}

func TestManualTimersFireInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []string
	m.AfterFunc(3*time.Second, func() { got = append(got, "c") })
	m.AfterFunc(1*time.Second, func() { got = append(got, "a") })
	stopped := m.AfterFunc(2*time.Second, func() { got = append(got, "stopped") })
	m.AfterFunc(2*time.Second, func() { got = append(got, "b") })

	if !stopped.Stop() {
		t.Fatal("Stop on a pending timer should report true")
	}
	m.Advance(2 * time.Second)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("after 2s got %v", got)
	}
	if m.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", m.Pending())
	}
	m.Advance(time.Second)
	if len(got) != 3 || got[2] != "c" {
		t.Fatalf("after 3s got %v", got)
	}
	if !m.Now().Equal(time.Unix(3, 0)) {
		t.Fatalf("clock at %v", m.Now())
	}
}

func TestManualPostIsReentrantSafe(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []int
	m.Post(func() {
		got = append(got, 1)
		m.Post(func() { got = append(got, 3) })
		got = append(got, 2)
	})
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}
}
