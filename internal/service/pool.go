package service

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs submitted tasks on a fixed number of goroutines. Its queue is
// unbounded, Submit never blocks.
type Pool struct {
	mx     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	g      errgroup.Group
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mx)
	for range workers {
		p.g.Go(func() error {
			p.work()
			return nil
		})
	}
	return p
}

// Submit queues task. It fails with ErrPoolClosed after Close.
func (p *Pool) Submit(task func()) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.queue)
}

// Close refuses new tasks, lets the workers drain the queue and waits for
// them.
func (p *Pool) Close() error {
	p.mx.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mx.Unlock()
	return p.g.Wait()
}

func (p *Pool) work() {
	for {
		p.mx.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mx.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mx.Unlock()

		run(task)
	}
}

func run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "panic", r)
		}
	}()
	task()
}
