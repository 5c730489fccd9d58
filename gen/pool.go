package gen

import (
	"fmt"
	"sync"
)

// taskPool supervises the background tasks a request hands off. Tasks
// outlive the HTTP request that spawned them; their errors surface on
// a channel instead of disappearing with the goroutine.
type taskPool struct {
	wg   sync.WaitGroup
	errs chan error
}

func newTaskPool() *taskPool {
	return &taskPool{errs: make(chan error, 16)}
}

func (p *taskPool) Go(fn func() error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				p.report(fmt.Errorf("background task panicked: %v", rec))
			}
		}()
		if err := fn(); err != nil {
			p.report(err)
		}
	}()
}

func (p *taskPool) report(err error) {
	select {
	case p.errs <- err:
	default:
		// nobody draining, the error was already logged at source
	}
}

func (p *taskPool) Errors() <-chan error { return p.errs }

func (p *taskPool) Wait() { p.wg.Wait() }
