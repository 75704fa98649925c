package ingestion

import (
	"container/list"
	"sync"

	"github.com/rs/zerolog"

	"PerpVault/internal/observability"
)

// RequestLookup is the durable tier of deduplication: it reports whether a
// request ID already produced a committed event.
type RequestLookup interface {
	IsDuplicate(source, requestID string) (bool, error)
}

// Deduplicator implements two-tier request deduplication: an in-memory LRU
// in front of an optional durable lookup.
type Deduplicator struct {
	mu     sync.Mutex
	lru    *requestLRU
	lookup RequestLookup

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDeduplicator(capacity int, lookup RequestLookup, metrics *observability.Metrics, logger zerolog.Logger) *Deduplicator {
	if capacity <= 0 {
		capacity = 1
	}
	return &Deduplicator{
		lru:     newRequestLRU(capacity),
		lookup:  lookup,
		metrics: metrics,
		logger:  logger,
	}
}

// IsDuplicate reports whether (source, requestID) has been seen.
func (d *Deduplicator) IsDuplicate(source, requestID string) bool {
	key := source + ":" + requestID

	d.mu.Lock()
	hit := d.lru.contains(key)
	d.mu.Unlock()
	if hit {
		d.recordDuplicate(source)
		return true
	}

	if d.lookup == nil {
		return false
	}
	dup, err := d.lookup.IsDuplicate(source, requestID)
	if err != nil {
		// A lookup failure must not stall intake; the core rejects
		// liquidations of already removed positions anyway.
		d.logger.Warn().Err(err).Str("source", source).Str("request_id", requestID).Msg("durable dedup lookup failed")
		return false
	}
	if dup {
		d.recordDuplicate(source)
		d.MarkProcessed(source, requestID)
	}
	return dup
}

// MarkProcessed records a request after it has been applied.
func (d *Deduplicator) MarkProcessed(source, requestID string) {
	d.mu.Lock()
	evicted := d.lru.add(source + ":" + requestID)
	size := d.lru.len()
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(size))
		if evicted {
			d.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Warm loads recently processed keys, oldest first, so that a restart does
// not send every replayed command to the durable tier.
func (d *Deduplicator) Warm(source string, requestIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range requestIDs {
		d.lru.add(source + ":" + id)
	}
}

// Size returns the number of cached keys.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.len()
}

func (d *Deduplicator) recordDuplicate(source string) {
	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(source).Inc()
	}
}

// requestLRU is not thread-safe; Deduplicator guards it.
type requestLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newRequestLRU(capacity int) *requestLRU {
	return &requestLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// contains promotes key when present.
func (l *requestLRU) contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// add inserts or promotes key and reports whether the oldest key was evicted.
func (l *requestLRU) add(key string) bool {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return false
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() <= l.capacity {
		return false
	}
	oldest := l.order.Back()
	l.order.Remove(oldest)
	delete(l.cache, oldest.Value.(string))
	return true
}

func (l *requestLRU) len() int {
	return l.order.Len()
}
