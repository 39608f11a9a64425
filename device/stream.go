package device

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stream is a FIFO execution queue served by one worker goroutine, the
// equivalent of a compute or communication stream on a GPU.
//
// Enqueue never blocks: it only appends work. Tasks execute strictly in
// enqueue order. The first task error becomes sticky and is returned by
// Synchronize and Err; later tasks still run, so events recorded after a
// failure keep firing and cross-stream waiters never deadlock.
type Stream struct {
	dev  *Device
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func() error
	err     error
	closed  bool
	capture *Graph
}

// NewStream creates a stream on the device and starts its worker.
func (d *Device) NewStream(name string) *Stream {
	s := &Stream{dev: d, name: name}
	s.cond = sync.NewCond(&s.mu)
	d.mu.Lock()
	d.streams++
	d.mu.Unlock()
	go s.run()
	return s
}

// Device returns the device the stream belongs to.
func (s *Stream) Device() *Device { return s.dev }

// Name returns the stream name, used in logs.
func (s *Stream) Name() string { return s.name }

func (s *Stream) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := task(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
				klog.Errorf("device #%d stream %q failed: %v", s.dev.id, s.name, err)
			}
			s.mu.Unlock()
		}
	}
}

// Enqueue appends a task to the stream (or to the graph under capture).
// Enqueueing on a closed stream records a sticky error and drops the task.
func (s *Stream) Enqueue(task func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		s.capture.ops = append(s.capture.ops, task)
		return
	}
	if s.closed {
		if s.err == nil {
			s.err = errors.Errorf("enqueue on closed stream %q (device #%d)", s.name, s.dev.id)
		}
		return
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
}

// RecordEvent enqueues an event-record operation and returns the event. The
// event fires once all previously enqueued work has executed.
func (s *Stream) RecordEvent() *Event {
	ev := newEvent()
	s.mu.Lock()
	if s.capture != nil {
		s.capture.events = append(s.capture.events, ev)
		s.capture.ops = append(s.capture.ops, func() error {
			ev.signal()
			return nil
		})
		s.mu.Unlock()
		return ev
	}
	s.mu.Unlock()
	s.Enqueue(func() error {
		ev.signal()
		return nil
	})
	return ev
}

// WaitEvent enqueues a dependency: work enqueued after it will not run until
// the event has fired.
func (s *Stream) WaitEvent(ev *Event) {
	s.Enqueue(func() error {
		ev.Wait()
		return nil
	})
}

// Synchronize blocks until all previously enqueued work has executed and
// returns the stream's sticky error, if any.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	if s.capture != nil {
		s.mu.Unlock()
		return errors.Errorf("cannot synchronize stream %q while capturing", s.name)
	}
	s.mu.Unlock()
	drained := s.RecordEvent()
	drained.Wait()
	return s.Err()
}

// Err returns the sticky stream error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the worker once the queue drains. The stream cannot be reused.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Event is a one-shot completion signal recorded on a stream. Reset rearms it
// for reuse by graph replays; an event must not be reset while a waiter from
// a previous firing is still pending.
type Event struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

func newEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

func (e *Event) signal() {
	e.mu.Lock()
	if !e.fired {
		e.fired = true
		close(e.ch)
	}
	e.mu.Unlock()
}

// Done returns a channel closed once the event fires.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event fires.
func (e *Event) Wait() {
	<-e.Done()
}

// Fired reports whether the event has fired since creation or the last Reset.
func (e *Event) Fired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

// Reset rearms a fired event.
func (e *Event) Reset() {
	e.mu.Lock()
	if e.fired {
		e.ch = make(chan struct{})
		e.fired = false
	}
	e.mu.Unlock()
}

// Graph is a captured sequence of stream operations that can be relaunched
// without re-issuing the individual operations. Events recorded during
// capture belong to the graph and must be Reset before each relaunch.
type Graph struct {
	stream *Stream
	ops    []func() error
	events []*Event
}

// NumOps returns the number of captured operations.
func (g *Graph) NumOps() int { return len(g.ops) }

// Reset rearms the events recorded during capture so the graph can fire them
// again on the next launch.
func (g *Graph) Reset() {
	for _, ev := range g.events {
		ev.Reset()
	}
}

// BeginCapture switches the stream to capture mode: subsequent Enqueue,
// RecordEvent and WaitEvent calls are recorded instead of executed.
func (s *Stream) BeginCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		return errors.Errorf("stream %q is already capturing", s.name)
	}
	if s.closed {
		return errors.Errorf("cannot capture on closed stream %q", s.name)
	}
	s.capture = &Graph{stream: s}
	return nil
}

// EndCapture finishes capture mode and returns the captured graph.
func (s *Stream) EndCapture() (*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return nil, errors.Errorf("stream %q is not capturing", s.name)
	}
	g := s.capture
	s.capture = nil
	return g, nil
}

// Launch enqueues all operations of a previously captured graph, in capture
// order. Like Enqueue it never blocks. The caller must Reset the graph before
// relaunching it.
func (s *Stream) Launch(g *Graph) error {
	if g.stream != s {
		return errors.Errorf("graph was captured on stream %q, cannot launch on %q", g.stream.name, s.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		return errors.Errorf("cannot launch graph on stream %q while capturing", s.name)
	}
	if s.closed {
		return errors.Errorf("cannot launch graph on closed stream %q", s.name)
	}
	s.queue = append(s.queue, g.ops...)
	s.cond.Signal()
	return nil
}
