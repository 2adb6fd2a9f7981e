package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultLockTimeout = 2 * time.Second
	lockRetryDelay     = 10 * time.Millisecond
)

var errLockTimeout = errors.New("lock wait timed out")

// ProjectLocks serializes writers per project with one-slot semaphores.
// A project's entry lives only while someone holds or waits for it.
type ProjectLocks struct {
	Timeout time.Duration

	mu   sync.Mutex
	sems map[string]*projectSem
}

type projectSem struct {
	ch   chan struct{}
	refs int
}

func NewProjectLocks(timeout time.Duration) *ProjectLocks {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &ProjectLocks{Timeout: timeout, sems: map[string]*projectSem{}}
}

func (l *ProjectLocks) ref(projectID string) *projectSem {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sems == nil {
		l.sems = map[string]*projectSem{}
	}
	s, ok := l.sems[projectID]
	if !ok {
		s = &projectSem{ch: make(chan struct{}, 1)}
		l.sems[projectID] = s
	}
	s.refs++
	return s
}

func (l *ProjectLocks) unref(projectID string, s *projectSem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 && l.sems[projectID] == s {
		delete(l.sems, projectID)
	}
}

// Acquire waits up to Timeout for the project, retries once, and then fails
// with ErrConcurrentWrite.
func (l *ProjectLocks) Acquire(ctx context.Context, projectID string) (func(), error) {
	s := l.ref(projectID)
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	attempt := func() error {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case s.ch <- struct{}{}:
			return nil
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-timer.C:
			return errLockTimeout
		}
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(lockRetryDelay), 1), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		l.unref(projectID, s)
		if errors.Is(err, errLockTimeout) {
			return nil, ErrConcurrentWrite
		}
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(projectID, s)
		})
	}, nil
}

func (l *ProjectLocks) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}
