/******************************************************************************
 *
 *  Description :
 *    A small fixed-size goroutine pool. Used for dispatching best-effort
 *    side effects (push notifications, event fanout) so they never run on
 *    an entity's serial loop.
 *
 *****************************************************************************/
package concurrency

// Task is a unit of work accepted by the pool.
type Task func()

type GoRoutinePool struct {
	// Work queue for busy workers.
	work chan Task
	// Limits the number of spawned goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}
}

// NewGoRoutinePool allocates a pool running at most numWorkers goroutines.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}, numWorkers),
	}
}

// Schedule runs the task on the pool, blocking while all workers are busy.
func (p *GoRoutinePool) Schedule(task Task) {
	select {
	case p.work <- task:
	case p.sem <- struct{}{}:
		go p.worker(task)
	}
}

// TrySchedule runs the task if a worker is available right away;
// returns false otherwise. Used when dropping work is preferable to
// stalling the caller.
func (p *GoRoutinePool) TrySchedule(task Task) bool {
	select {
	case p.work <- task:
		return true
	case p.sem <- struct{}{}:
		go p.worker(task)
		return true
	default:
		return false
	}
}

// Stop signals all running workers to terminate.
func (p *GoRoutinePool) Stop() {
	numWorkers := cap(p.sem)
	for i := 0; i < numWorkers; i++ {
		p.stop <- struct{}{}
	}
}

func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}
