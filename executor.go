package mqttclient

import "sync"

// serialExecutor runs submitted tasks one at a time, in submission order, on
// a single goroutine. Connection state (identifier pool, pending table,
// outgoing queue, buffered writer) is only touched from its tasks.
type serialExecutor struct {
	mu     sync.Mutex
	tasks  []func()
	spare  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newSerialExecutor() *serialExecutor {
	x := &serialExecutor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go x.run()
	return x
}

// execute queues fn. It reports false once the executor is stopped.
func (x *serialExecutor) execute(fn func()) bool {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return false
	}
	x.tasks = append(x.tasks, fn)
	x.mu.Unlock()

	select {
	case x.wake <- struct{}{}:
	default:
	}
	return true
}

// submitWait queues fn and waits until it ran. It must not be called from
// a task.
func (x *serialExecutor) submitWait(fn func()) bool {
	ran := make(chan struct{})
	if !x.execute(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	<-ran
	return true
}

// stop rejects new tasks. Tasks already queued still run. It is safe to
// call from a task.
func (x *serialExecutor) stop() {
	x.mu.Lock()
	x.closed = true
	x.mu.Unlock()

	select {
	case x.wake <- struct{}{}:
	default:
	}
}

// Done is closed after stop once the last queued task returned.
func (x *serialExecutor) Done() <-chan struct{} {
	return x.done
}

func (x *serialExecutor) run() {
	defer close(x.done)

	for {
		x.mu.Lock()
		tasks := x.tasks
		x.tasks = x.spare[:0]
		closed := x.closed
		x.mu.Unlock()

		for i, task := range tasks {
			task()
			tasks[i] = nil
		}

		x.mu.Lock()
		x.spare = tasks[:0]
		x.mu.Unlock()

		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-x.wake
	}
}
