package state

import (
	"context"
	stderrors "errors"
	"sync"
	"time"
)

// errTimedOut is returned by withTimeout when the timer wins.
var errTimedOut = stderrors.New("timed out")

// fanOut starts every fn, then waits for all of them. A failing or slow fn
// never cancels its siblings.
func fanOut(fns ...func()) {
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, fn := range fns {
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	wg.Wait()
}

type outcome[T any] struct {
	v   T
	err error
}

// withTimeout races op against a d-long timer. When the timer (or ctx) wins,
// op's context is cancelled and its eventual result is passed to discard, if
// set, and otherwise ignored. d <= 0 disables the timer.
func withTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error), discard func(T)) (T, error) {
	if d <= 0 {
		return op(ctx)
	}
	var zero T

	opCtx, cancel := context.WithCancel(ctx)
	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(opCtx)
		done <- outcome[T]{v: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	abandon := func() {
		cancel()
		go func() {
			res := <-done
			if res.err == nil && discard != nil {
				discard(res.v)
			}
		}()
	}

	select {
	case res := <-done:
		cancel()
		return res.v, res.err
	case <-timer.C:
		abandon()
		return zero, errTimedOut
	case <-ctx.Done():
		abandon()
		return zero, ctx.Err()
	}
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
