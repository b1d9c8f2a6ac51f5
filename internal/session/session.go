// Package session is the privilege collaborator: it hands out the
// display device handle and reports whether this process currently owns
// the seat. The backend gates event dispatch and lease mastership on
// Active.
package session

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Session mediates access to display devices.
type Session interface {
	OpenDevice(path string) (*os.File, error)
	CloseDevice(file *os.File) error
	Active() bool
	OnActiveChanged(fn func(active bool))
}

// Direct is a session that opens device nodes itself and is considered
// active for its whole lifetime. Suitable when the process is started
// on a seat it already owns (or for development). A logind-backed
// implementation would replace this on multi-seat systems.
type Direct struct {
	mu        sync.Mutex
	active    bool
	listeners []func(bool)
}

// NewDirect creates an active direct session.
func NewDirect() *Direct {
	return &Direct{active: true}
}

func (s *Direct) OpenDevice(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	return file, nil
}

func (s *Direct) CloseDevice(file *os.File) error {
	return file.Close()
}

func (s *Direct) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive flips the session state and notifies listeners.
func (s *Direct) SetActive(active bool) {
	s.mu.Lock()
	if s.active == active {
		s.mu.Unlock()
		return
	}
	s.active = active
	listeners := make([]func(bool), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(active)
	}
}

func (s *Direct) OnActiveChanged(fn func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
