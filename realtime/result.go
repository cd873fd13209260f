package realtime

import (
	"context"
	"sync"
)

// Result is the completion of an asynchronous operation such as a publish
// or an attach.
type Result struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func resolvedResult(err error) *Result {
	result := newResult()
	result.resolve(err)
	return result
}

func (result *Result) resolve(err error) {
	result.once.Do(func() {
		result.err = err
		close(result.done)
	})
}

// Done is closed once the operation completes.
func (result *Result) Done() <-chan struct{} {
	return result.done
}

// Err returns the operation error. It is nil until Done is closed.
func (result *Result) Err() error {
	select {
	case <-result.done:
		return result.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx ends.
func (result *Result) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-result.done:
		return result.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type resultList []*Result

func (results *resultList) add(result *Result) {
	if result != nil {
		*results = append(*results, result)
	}
}

func (results *resultList) resolveAll(err error) {
	pending := *results
	*results = nil
	for _, result := range pending {
		result.resolve(err)
	}
}
