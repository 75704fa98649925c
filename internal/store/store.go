// Package store provides keyed in-memory tables whose writes can be undone.
// Every write made through a Tx is recorded so the whole operation can be
// rolled back if any later step fails.
package store

import "sort"

// Tx collects undo actions for one operation. A nil *Tx writes without
// recording, which is used when restoring state at startup.
type Tx struct {
	undo   []func()
	closed bool
}

// Begin starts a new transaction.
func Begin() *Tx {
	return &Tx{}
}

func (tx *Tx) record(f func()) {
	if tx == nil {
		return
	}
	if tx.closed {
		panic("store: write on closed transaction")
	}
	tx.undo = append(tx.undo, f)
}

// OnRollback registers an arbitrary undo action, for state that lives outside
// a Table or Value.
func (tx *Tx) OnRollback(f func()) {
	tx.record(f)
}

// Commit keeps every write. The Tx cannot be used afterwards.
func (tx *Tx) Commit() {
	tx.undo = nil
	tx.closed = true
}

// Rollback undoes every write in reverse order. Calling it after Commit is a
// no-op, so it is safe to defer.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.closed = true
}

// Writes returns the number of recorded writes.
func (tx *Tx) Writes() int {
	return len(tx.undo)
}

// Table is a map from K to value records V. Values are copied in and out, so
// callers must Put a modified record for the change to take effect.
type Table[K comparable, V any] struct {
	rows map[K]V
}

func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{rows: make(map[K]V)}
}

func (t *Table[K, V]) Get(k K) (V, bool) {
	v, ok := t.rows[k]
	return v, ok
}

func (t *Table[K, V]) Put(tx *Tx, k K, v V) {
	prev, existed := t.rows[k]
	tx.record(func() {
		if existed {
			t.rows[k] = prev
		} else {
			delete(t.rows, k)
		}
	})
	t.rows[k] = v
}

func (t *Table[K, V]) Delete(tx *Tx, k K) {
	prev, existed := t.rows[k]
	if !existed {
		return
	}
	tx.record(func() { t.rows[k] = prev })
	delete(t.rows, k)
}

func (t *Table[K, V]) Len() int {
	return len(t.rows)
}

// Values returns copies of all rows, ordered by less when it is non-nil.
func (t *Table[K, V]) Values(less func(a, b V) bool) []V {
	out := make([]V, 0, len(t.rows))
	for _, v := range t.rows {
		out = append(out, v)
	}
	if less != nil {
		sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}

// Range calls fn for every row until fn returns false. Iteration order is
// unspecified.
func (t *Table[K, V]) Range(fn func(k K, v V) bool) {
	for k, v := range t.rows {
		if !fn(k, v) {
			return
		}
	}
}

// Value is a single undoable cell.
type Value[T any] struct {
	v T
}

func NewValue[T any](v T) *Value[T] {
	return &Value[T]{v: v}
}

func (c *Value[T]) Get() T {
	return c.v
}

func (c *Value[T]) Set(tx *Tx, v T) {
	prev := c.v
	tx.record(func() { c.v = prev })
	c.v = v
}
