package job

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// asyncLock is a mutex whose acquisition can be abandoned through a context.
type asyncLock struct {
	sem *semaphore.Weighted
}

func newAsyncLock() asyncLock {
	return asyncLock{sem: semaphore.NewWeighted(1)}
}

func (l asyncLock) Lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l asyncLock) Unlock() {
	l.sem.Release(1)
}
