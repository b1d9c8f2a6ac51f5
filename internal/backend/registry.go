package backend

import (
	"context"
	"sync"
	"time"

	"github.com/dvelle/scanout/internal/logger"

	"golang.org/x/sys/unix"
)

// Registry is the top-level coordinator's lookup of GPUs by device fd,
// so an I/O readiness event can be routed to the device it belongs to.
type Registry struct {
	mu   sync.Mutex
	gpus map[int]*GPU
}

func NewRegistry() *Registry {
	return &Registry{gpus: make(map[int]*GPU)}
}

func (r *Registry) Add(g *GPU) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gpus[g.Fd()] = g
}

func (r *Registry) Remove(g *GPU) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gpus, g.Fd())
}

// FindByFd returns the GPU owning the given device fd, nil if unknown.
func (r *Registry) FindByFd(fd int) *GPU {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gpus[fd]
}

// GPUs returns a snapshot of the registered devices.
func (r *Registry) GPUs() []*GPU {
	r.mu.Lock()
	defer r.mu.Unlock()
	gpus := make([]*GPU, 0, len(r.gpus))
	for _, g := range r.gpus {
		gpus = append(gpus, g)
	}
	return gpus
}

// Run is the single-threaded reactor: it blocks on readiness of all
// registered device fds, dispatches completion events synchronously on
// this goroutine, and executes tasks funneled in from other goroutines
// (IPC handlers, hot-plug notifications) so that all display state
// mutation stays on one thread. Returns when ctx is done.
func (r *Registry) Run(ctx context.Context, tasks <-chan func()) error {
	const pollInterval = 500 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case task := <-tasks:
			task()
			continue
		default:
		}

		gpus := r.GPUs()
		if len(gpus) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case task := <-tasks:
				task()
			case <-time.After(pollInterval):
			}
			continue
		}

		fds := make([]unix.PollFd, len(gpus))
		for i, g := range gpus {
			fds[i] = unix.PollFd{Fd: int32(g.Fd()), Events: unix.POLLIN}
		}
		ready, err := unix.Poll(fds, int(pollInterval.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Errorf("poll over device fds failed: %v", err)
			return err
		}
		if ready == 0 {
			continue
		}
		for i, pfd := range fds {
			if pfd.Revents&unix.POLLIN != 0 {
				gpus[i].DispatchEvents()
			}
		}
	}
}
