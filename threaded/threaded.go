// Package threaded provides the optional thread-adaptor entry point
// described in spec §6: an Engine owned by a dedicated worker goroutine,
// for applications that have no event loop of their own to host an
// *igd.Engine on directly.
//
// Every call on Engine is marshaled onto the worker via a channel of
// closures (spec §9 Design Notes, "message passing ... a bounded or
// unbounded channel of closures posted onto the worker loop"). Because the
// worker owns the wrapped *igd.Engine exclusively and processes one closure
// at a time, there is no concurrent access to guard against — Go's
// channel-ownership model gets us the same safety the spec's
// weak-pointer-plus-mutex pattern exists to provide in a language without a
// garbage collector (see DESIGN.md).
package threaded

import (
	"time"

	"github.com/hlandau/igd"
)

// Engine is the thread-adaptor wrapper around *igd.Engine.
type Engine struct {
	taskCh  chan func(*igd.Engine)
	closeCh chan struct{}
	doneCh  chan struct{}
}

// New starts a worker goroutine, constructs an *igd.Engine on it, and
// returns immediately; every Engine method call below is marshaled onto
// that goroutine.
func New(opts ...igd.Option) *Engine {
	te := &Engine{
		taskCh:  make(chan func(*igd.Engine), 64),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go te.worker(opts)
	return te
}

func (te *Engine) worker(opts []igd.Option) {
	e := igd.New(opts...)
	defer close(te.doneCh)

	for {
		select {
		case fn := <-te.taskCh:
			fn(e)
		case <-te.closeCh:
			// Close drains pending deletes before this goroutine exits
			// (spec §6 "destruction drains pending deletes before
			// joining the worker").
			e.Close()
			return
		}
	}
}

func (te *Engine) AddPort(protocol igd.Protocol, externalPort uint16, localIP string, localPort uint16, leaseDuration time.Duration, description string) error {
	errCh := make(chan error, 1)
	te.taskCh <- func(e *igd.Engine) {
		errCh <- e.AddPort(protocol, externalPort, localIP, localPort, leaseDuration, description)
	}
	return <-errCh
}

func (te *Engine) RemovePort(protocol igd.Protocol, externalPort uint16) {
	done := make(chan struct{})
	te.taskCh <- func(e *igd.Engine) {
		e.RemovePort(protocol, externalPort)
		close(done)
	}
	<-done
}

func (te *Engine) RemovePortLocal(protocol igd.Protocol, localIP string, localPort uint16) {
	done := make(chan struct{})
	te.taskCh <- func(e *igd.Engine) {
		e.RemovePortLocal(protocol, localIP, localPort)
		close(done)
	}
	<-done
}

func (te *Engine) DeleteAllMappings() bool {
	resultCh := make(chan bool, 1)
	te.taskCh <- func(e *igd.Engine) {
		resultCh <- e.DeleteAllMappings()
	}
	return <-resultCh
}

func (te *Engine) OnMapped(h igd.MappedHandler) {
	done := make(chan struct{})
	te.taskCh <- func(e *igd.Engine) {
		e.OnMapped(h)
		close(done)
	}
	<-done
}

func (te *Engine) OnError(h igd.ErrorHandler) {
	done := make(chan struct{})
	te.taskCh <- func(e *igd.Engine) {
		e.OnError(h)
		close(done)
	}
	<-done
}

// Close sends a sentinel that triggers the worker's igd.Engine.Close
// quiesce/finalize sequence, then blocks until the worker goroutine has
// exited.
func (te *Engine) Close() {
	close(te.closeCh)
	<-te.doneCh
}
