package bridge

import (
	"context"

	"go.uber.org/zap"

	"seedbridge.ai/internal/persistence/store"
)

type persistKind int

const (
	persistSave persistKind = iota + 1
	persistDelete
	persistFlush
)

type persistOp struct {
	kind persistKind
	key  string
	rec  store.Record
	done chan persistResult
}

type persistResult struct {
	existed bool
	err     error
}

func (r *Registry) persistLoop() {
	defer r.persistWG.Done()
	for op := range r.persistCh {
		r.apply(op)
	}
}

func (r *Registry) apply(op persistOp) {
	var res persistResult
	switch op.kind {
	case persistSave:
		if res.err = r.store.Save(op.key, op.rec); res.err != nil {
			// The dimension stays registered and active; only the disk copy is missing.
			r.log.Error("persist bridge; kept in memory only",
				zap.String("seed_key", op.key), zap.Error(res.err))
			r.journal.RecordBridge(Event{
				Kind:        EventPersistFailed,
				SeedKey:     op.key,
				DimensionID: op.rec.DimensionID,
				At:          r.now().UTC(),
			})
		}
	case persistDelete:
		res.existed, res.err = r.store.Delete(op.key)
	case persistFlush:
	}
	if op.done != nil {
		op.done <- res
	}
}

// enqueue hands op to the persist goroutine, or applies it inline once the registry is closed.
func (r *Registry) enqueue(op persistOp) {
	r.persistMu.RLock()
	if !r.persistClosed {
		r.persistCh <- op
		r.persistMu.RUnlock()
		return
	}
	r.persistMu.RUnlock()
	r.apply(op)
}

func (r *Registry) await(ctx context.Context, op persistOp) (persistResult, error) {
	op.done = make(chan persistResult, 1)
	r.enqueue(op)
	select {
	case res := <-op.done:
		return res, nil
	case <-ctx.Done():
		return persistResult{}, ctx.Err()
	}
}

func (r *Registry) persistDelete(ctx context.Context, key string) (bool, error) {
	res, err := r.await(ctx, persistOp{kind: persistDelete, key: key})
	if err != nil {
		return false, err
	}
	return res.existed, res.err
}

// Flush waits until every store write queued before the call has been applied.
func (r *Registry) Flush(ctx context.Context) error {
	_, err := r.await(ctx, persistOp{kind: persistFlush})
	return err
}

// Close drains pending store writes and stops the persist goroutine.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.persistMu.Lock()
		r.persistClosed = true
		close(r.persistCh)
		r.persistMu.Unlock()
		r.persistWG.Wait()
	})
}
