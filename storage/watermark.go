package storage

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/tinygraph-incubator/tinygraph/storage/engine"
)

// Watermark tracks the snapshots held by the open storages of one engine and
// lets the engine reclaim versions that none of them can read.
type Watermark struct {
	engine engine.Engine

	mu      sync.Mutex
	active  map[uint64]int
	discard uint64
}

func NewWatermark(e engine.Engine) *Watermark {
	return &Watermark{engine: e, active: make(map[uint64]int)}
}

// begin starts an engine transaction and records its snapshot atomically with
// respect to discard updates.
func (w *Watermark) begin(readOnly bool) (engine.Txn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	txn, err := w.engine.Begin(readOnly)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w.active[txn.Snapshot()]++
	return txn, nil
}

func (w *Watermark) release(snapshot uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[snapshot] <= 1 {
		delete(w.active, snapshot)
	} else {
		w.active[snapshot]--
	}
	oldest := w.engine.Sequence()
	for s := range w.active {
		if s < oldest {
			oldest = s
		}
	}
	if oldest > w.discard {
		w.discard = oldest
		w.engine.SetDiscardSequence(oldest)
	}
}

// Oldest returns the oldest snapshot still held, or false if none is.
func (w *Watermark) Oldest() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var (
		oldest uint64
		found  bool
	)
	for s := range w.active {
		if !found || s < oldest {
			oldest, found = s, true
		}
	}
	return oldest, found
}
