package storage

import (
	"bytes"
	"sync"

	"github.com/tinygraph-incubator/tinygraph/storage/engine"
)

// nativeIterator is an engine iterator owned either by one Iterator or by the pool.
type nativeIterator struct {
	it      engine.Iterator
	reverse bool
	// generation is the write generation of the storage when the iterator was
	// opened. Engine iterators only reflect writes made before they were opened.
	generation uint64
}

// iteratorPool recycles engine iterators within one storage.
type iteratorPool struct {
	mu     sync.Mutex
	idle   []*nativeIterator
	leased map[*nativeIterator]struct{}
	closed bool
}

func newIteratorPool() *iteratorPool {
	return &iteratorPool{leased: make(map[*nativeIterator]struct{})}
}

func (p *iteratorPool) get(txn engine.Txn, reverse bool, generation uint64) (*nativeIterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrResourceClosed
	}
	kept := p.idle[:0]
	var found *nativeIterator
	for _, n := range p.idle {
		switch {
		case n.generation != generation:
			n.it.Close()
		case found == nil && n.reverse == reverse:
			found = n
		default:
			kept = append(kept, n)
		}
	}
	p.idle = kept
	if found != nil {
		iteratorReuseCounter.WithLabelValues("pool").Inc()
	} else {
		iteratorReuseCounter.WithLabelValues("engine").Inc()
		found = &nativeIterator{
			it:         txn.NewIterator(engine.IterOptions{Reverse: reverse}),
			reverse:    reverse,
			generation: generation,
		}
	}
	p.leased[found] = struct{}{}
	return found, nil
}

func (p *iteratorPool) put(n *nativeIterator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.leased[n]; !ok {
		// Already closed by closeAll.
		return
	}
	delete(p.leased, n)
	if p.closed {
		n.it.Close()
		return
	}
	p.idle = append(p.idle, n)
}

// closeAll closes every iterator, idle or leased. Leased iterators observe
// ErrResourceClosed on their next use.
func (p *iteratorPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, n := range p.idle {
		n.it.Close()
	}
	p.idle = nil
	for n := range p.leased {
		n.it.Close()
	}
	p.leased = make(map[*nativeIterator]struct{})
}

func (p *iteratorPool) leasedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

type iteratorState int

const (
	iteratorInit iteratorState = iota
	iteratorEmpty
	iteratorFetched
	iteratorCompleted
)

// Iterator lazily walks the keys under a prefix. The engine iterator is taken
// from the storage's pool on the first HasNext and returned to it as soon as
// the walk completes. An Iterator is not safe for concurrent use.
type Iterator struct {
	storage *Storage
	prefix  []byte
	reverse bool

	native *nativeIterator
	state  iteratorState
	key    []byte
	value  []byte
	err    error
}

// HasNext reports whether another entry is available.
func (it *Iterator) HasNext() bool {
	switch it.state {
	case iteratorFetched:
		return true
	case iteratorCompleted:
		return false
	case iteratorInit:
		return it.init()
	default:
		return it.advance()
	}
}

// Next returns the current entry and moves past it. It returns nil when the
// iteration is exhausted.
func (it *Iterator) Next() (key, value []byte) {
	if !it.HasNext() {
		return nil, nil
	}
	it.state = iteratorEmpty
	return it.key, it.value
}

// Err returns the error that completed the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) init() bool {
	start, err := it.start()
	if err != nil {
		return it.fail(err)
	}
	if !it.acquire() {
		return false
	}
	it.storage.closeMu.RLock()
	if !it.storage.usable() {
		it.storage.closeMu.RUnlock()
		return it.fail(ErrResourceClosed)
	}
	it.native.it.Seek(start)
	if it.reverse && it.native.it.Valid() && bytes.Equal(it.native.it.Key(), start) {
		it.native.it.Next()
	}
	it.storage.closeMu.RUnlock()
	it.state = iteratorEmpty
	return it.fetch()
}

func (it *Iterator) start() ([]byte, error) {
	if !it.reverse {
		return it.prefix, nil
	}
	return successor(it.prefix)
}

func (it *Iterator) acquire() bool {
	n, err := it.storage.pool.get(it.storage.txn, it.reverse, it.storage.generation.Load())
	if err != nil {
		return it.fail(err)
	}
	it.native = n
	return true
}

func (it *Iterator) advance() bool {
	it.storage.closeMu.RLock()
	if !it.storage.usable() {
		it.storage.closeMu.RUnlock()
		return it.fail(ErrResourceClosed)
	}
	it.native.it.Next()
	it.storage.closeMu.RUnlock()
	return it.fetch()
}

// fetch reads the entry under the native iterator.
func (it *Iterator) fetch() bool {
	it.storage.closeMu.RLock()
	if !it.storage.usable() {
		it.storage.closeMu.RUnlock()
		return it.fail(ErrResourceClosed)
	}
	n := it.native.it
	if !n.Valid() || !bytes.HasPrefix(n.Key(), it.prefix) {
		it.storage.closeMu.RUnlock()
		it.Recycle()
		return false
	}
	key := n.Key()
	value, err := n.Value()
	it.storage.closeMu.RUnlock()
	if err != nil {
		return it.fail(it.storage.handleError(err))
	}
	it.key, it.value = key, value
	it.state = iteratorFetched
	return true
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.Recycle()
	return false
}

// Recycle completes the iteration and returns the engine iterator to the pool.
// It is idempotent.
func (it *Iterator) Recycle() {
	it.state = iteratorCompleted
	it.key, it.value = nil, nil
	if it.native != nil {
		it.storage.pool.put(it.native)
		it.native = nil
	}
}

// Close is an alias of Recycle.
func (it *Iterator) Close() {
	it.Recycle()
}

// successor returns the smallest key greater than every key with the given prefix.
func successor(prefix []byte) ([]byte, error) {
	n := len(prefix)
	for n > 0 && prefix[n-1] == 0xff {
		n--
	}
	if n == 0 {
		return nil, ErrPrefixOverflow
	}
	succ := append([]byte(nil), prefix[:n]...)
	succ[n-1]++
	return succ, nil
}
