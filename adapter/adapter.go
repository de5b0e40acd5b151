// Package adapter provides thin, order-preserving convenience helpers for
// fanning a read out across many SharedMessage handles at once. Go has no
// global interpreter lock to release around a blocking call and no
// separate byte-buffer marshalling step — a []byte already is the wire
// representation — so the adapter collapses to ReadAll/ReadAllMap rather
// than a cross-language binding shim.
package adapter

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/TheLuckyCoder/ripc/shm"
)

// maxParallelReads bounds how many SharedMessage.Read calls ReadAll/
// ReadAllMap issue concurrently, matching the shape of
// golang.org/x/sync/semaphore.Weighted used elsewhere in the pack for
// bounded fan-out.
const maxParallelReads = 8

// ReadAll issues a non-blocking Read against every reader and returns the
// results in input order. A reader with no new version contributes a nil
// slice at its index, not an error.
func ReadAll(readers []*shm.SharedMessage) ([][]byte, error) {
	return ReadAllMap(readers, func(m *shm.SharedMessage) ([]byte, error) {
		return m.Read(false)
	})
}

// ReadAllMap applies f to every reader, preserving input order in the
// returned slice. Calls run with genuine bounded parallelism rather than
// sequentially.
func ReadAllMap(readers []*shm.SharedMessage, f func(*shm.SharedMessage) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(readers))
	if len(readers) == 0 {
		return out, nil
	}

	sem := semaphore.NewWeighted(maxParallelReads)
	errs := make([]error, len(readers))

	ctx := context.Background()
	done := make(chan struct{}, len(readers))
	for i, r := range readers {
		i, r := i, r
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			done <- struct{}{}
			continue
		}
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			data, err := f(r)
			out[i] = data
			errs[i] = err
		}()
	}
	for range readers {
		<-done
	}

	for _, err := range errs {
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
