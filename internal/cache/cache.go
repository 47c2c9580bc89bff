// Package cache implements a process-wide async result cache keyed by
// fingerprint keys. It serves the last known value immediately
// (stale-while-revalidate), deduplicates concurrent fetches per key,
// revalidates entries on a shared scheduler tick, and discards out-of-order
// fetch completions via a per-entry generation counter.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"solana-dex-view/internal/fingerprint"
	"solana-dex-view/internal/observability"
)

// Default configuration values.
const (
	DefaultRefreshInterval = 1 * time.Second
	DefaultTick            = 150 * time.Millisecond
	DefaultEvictAfter      = 1 * time.Minute
)

// Fetcher loads the value for one fingerprint. It runs on its own goroutine;
// errors and panics are contained at the cache boundary and surfaced to
// subscribers alongside the previous value.
type Fetcher func(ctx context.Context) (any, error)

// Options configure one cache entry. Zero values mean defaults.
type Options struct {
	// Op labels the entry for logging and metrics. It carries no identity:
	// the fingerprint key alone decides the cache slot.
	Op string
	// RefreshInterval is how often the entry is revalidated. Data served
	// from the entry can be stale by up to one interval.
	RefreshInterval time.Duration
	// RequireConnection gates fetching on the wallet connection check. While
	// disconnected the entry resolves to absent without a fetch and without
	// an error.
	RequireConnection bool
}

// Update is the view of an entry delivered to subscribers and returned from
// Subscribe. Value is the last successful result (nil when absent); Err is
// the last fetch error, cleared by the next success. Values are shared
// between subscribers and must be treated as immutable.
type Update struct {
	Value    any
	HasValue bool
	Err      error
	Fetching bool
}

// UpdateFunc receives entry updates. It is invoked after every applied fetch
// start and completion, outside the cache lock, on the goroutine that applied
// the change, so a fully applied state is always observed.
type UpdateFunc func(Update)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id  uuid.UUID
	key fingerprint.Key
	c   *Cache
}

// Key returns the fingerprint this subscription is attached to.
func (s *Subscription) Key() fingerprint.Key { return s.key }

// Unsubscribe detaches the subscriber. The last unsubscribe of a key stops
// future scheduled refreshes; an in-flight fetch still completes and updates
// the entry for any late subscriber. The stored value is evicted lazily.
func (s *Subscription) Unsubscribe() {
	s.c.unsubscribe(s.key, s.id)
}

type entry struct {
	op      string
	opts    Options
	fetcher Fetcher

	value    any
	hasValue bool
	err      error

	fetching       bool
	generation     uint64
	lastFetchStart time.Time
	lastSuccess    time.Time
	idleSince      time.Time

	subs map[uuid.UUID]UpdateFunc
}

func (e *entry) snapshot() Update {
	return Update{Value: e.value, HasValue: e.hasValue, Err: e.err, Fetching: e.fetching}
}

// delivery is a pending subscriber notification, built under the lock and
// delivered after it is released.
type delivery struct {
	fns []UpdateFunc
	u   Update
}

// Cache is the shared derived-state store. Construct one per process and
// pass it by reference; each test constructs its own for isolation.
type Cache struct {
	mu      sync.Mutex
	entries map[fingerprint.Key]*entry

	tick       time.Duration
	evictAfter time.Duration
	connected  func() bool
	now        func() time.Time
	logger     *zap.Logger

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithTick sets the scheduler tick used to scan due entries.
func WithTick(d time.Duration) Option {
	return func(c *Cache) { c.tick = d }
}

// WithEvictAfter sets how long an entry without subscribers is retained.
func WithEvictAfter(d time.Duration) Option {
	return func(c *Cache) { c.evictAfter = d }
}

// WithConnectionCheck sets the wallet connection probe used by entries with
// RequireConnection.
func WithConnectionCheck(fn func() bool) Option {
	return func(c *Cache) { c.connected = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache and starts its scheduler goroutine.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[fingerprint.Key]*entry),
		tick:       DefaultTick,
		evictAfter: DefaultEvictAfter,
		now:        time.Now,
		logger:     zap.NewNop(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.scheduleLoop()

	return c
}

// Close stops the scheduler. Fetches already in flight complete and update
// the cache silently; no further refreshes are scheduled.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

// Subscribe registers onUpdate for the key and returns the current view
// immediately, possibly stale or absent. A fetch is started when the entry
// has no fresh value and none is in flight; if one is in flight, the
// subscriber attaches to its outcome instead of duplicating it. onUpdate may
// be nil for callers that only poll via Get.
func (c *Cache) Subscribe(key fingerprint.Key, fetcher Fetcher, opts Options, onUpdate UpdateFunc) (*Subscription, Update) {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}

	c.mu.Lock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{
			op:      opOrUnknown(opts.Op),
			opts:    opts,
			fetcher: fetcher,
			subs:    make(map[uuid.UUID]UpdateFunc),
		}
		c.entries[key] = e
	} else {
		// Later subscribers may narrow the interval; the smallest wins.
		if opts.RefreshInterval < e.opts.RefreshInterval {
			e.opts.RefreshInterval = opts.RefreshInterval
		}
		e.fetcher = fetcher
	}
	e.idleSince = time.Time{}

	sub := &Subscription{id: uuid.New(), key: key, c: c}
	if onUpdate != nil {
		e.subs[sub.id] = onUpdate
	} else {
		e.subs[sub.id] = func(Update) {}
	}

	var pending []delivery
	if e.fetching {
		observability.RecordDedupHit(e.op)
	} else if !e.hasValue || c.due(e) {
		pending = c.startFetchLocked(key, e, pending)
	}
	cur := e.snapshot()

	c.updateSizeGaugesLocked()
	c.mu.Unlock()

	c.deliver(pending)
	return sub, cur
}

// Refresh forces a fetch for the key regardless of its refresh interval. A
// fetch already in flight is reused unless it has outlived the entry's own
// interval, in which case a superseding fetch is issued and the stalled
// completion will be discarded by the generation check on arrival.
func (c *Cache) Refresh(key fingerprint.Key) {
	c.mu.Lock()

	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.fetching {
		if c.now().Sub(e.lastFetchStart) < e.opts.RefreshInterval {
			observability.RecordDedupHit(e.op)
			c.mu.Unlock()
			return
		}
		c.logger.Debug("superseding stalled fetch",
			zap.String("op", e.op), zap.Duration("age", c.now().Sub(e.lastFetchStart)))
	}
	pending := c.startFetchLocked(key, e, nil)
	c.mu.Unlock()

	c.deliver(pending)
}

// Get returns the current view of the key without subscribing.
func (c *Cache) Get(key fingerprint.Key) (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Update{}, false
	}
	return e.snapshot(), true
}

func (c *Cache) unsubscribe(key fingerprint.Key, id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(e.subs, id)
	if len(e.subs) == 0 {
		e.idleSince = c.now()
	}
	c.updateSizeGaugesLocked()
}

// due reports whether the entry's revalidation interval has elapsed.
// Callers hold c.mu.
func (c *Cache) due(e *entry) bool {
	return c.now().Sub(e.lastFetchStart) >= e.opts.RefreshInterval
}

// startFetchLocked issues a new fetch generation and appends the resulting
// notification to pending. Callers hold c.mu.
func (c *Cache) startFetchLocked(key fingerprint.Key, e *entry, pending []delivery) []delivery {
	if e.opts.RequireConnection && c.connected != nil && !c.connected() {
		// Not connected is "no data", never an error.
		observability.RecordConnectionSkip(e.op)
		if e.hasValue || e.err != nil {
			e.value = nil
			e.hasValue = false
			e.err = nil
			pending = c.appendNotifyLocked(e, pending)
		}
		return pending
	}

	e.fetching = true
	e.lastFetchStart = c.now()
	e.generation++
	gen := e.generation

	observability.RecordFetchStarted(e.op)
	pending = c.appendNotifyLocked(e, pending)

	go c.runFetch(key, e.fetcher, e.op, gen)
	return pending
}

// runFetch executes the fetcher and applies its completion.
func (c *Cache) runFetch(key fingerprint.Key, fetch Fetcher, op string, gen uint64) {
	start := time.Now()
	value, err := safeFetch(fetch)
	observability.RecordFetchDone(op, time.Since(start).Seconds(), err)

	c.complete(key, gen, value, err)
}

// safeFetch contains fetcher panics so a misbehaving data source can never
// halt the scheduler or poison other entries.
func safeFetch(fetch Fetcher) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("fetcher panic: %v", r)
		}
	}()
	return fetch(context.Background())
}

// complete applies a fetch outcome. A completion is applied only when its
// generation is the latest issued for the key; anything older lost the race
// to a superseding fetch and is dropped so it cannot overwrite newer data.
func (c *Cache) complete(key fingerprint.Key, gen uint64, value any, err error) {
	c.mu.Lock()

	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if gen != e.generation {
		observability.RecordStaleDiscard(e.op)
		c.logger.Debug("discarded stale fetch completion",
			zap.String("op", e.op), zap.Uint64("generation", gen))
		c.mu.Unlock()
		return
	}

	e.fetching = false
	if err != nil {
		// Stale-but-available: keep the previous value next to the error.
		e.err = err
		c.logger.Warn("fetch failed, serving stale value",
			zap.String("op", e.op), zap.Bool("has_value", e.hasValue), zap.Error(err))
	} else {
		e.value = value
		e.hasValue = true
		e.err = nil
		e.lastSuccess = c.now()
		observability.RecordLastSuccess(e.lastSuccess.Unix())
	}

	pending := c.appendNotifyLocked(e, nil)
	c.mu.Unlock()

	c.deliver(pending)
}

// appendNotifyLocked snapshots the subscriber list and current view under
// c.mu. Callers deliver after releasing the lock, on the same goroutine, so
// subscribers may Subscribe/Refresh reentrantly without deadlocking.
func (c *Cache) appendNotifyLocked(e *entry, pending []delivery) []delivery {
	if len(e.subs) == 0 {
		return pending
	}
	fns := make([]UpdateFunc, 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	return append(pending, delivery{fns: fns, u: e.snapshot()})
}

func (c *Cache) deliver(pending []delivery) {
	for _, d := range pending {
		for _, fn := range d.fns {
			fn(d.u)
		}
	}
}

// scheduleLoop drives periodic revalidation: one ticker scans all entries
// rather than one timer per entry. It also evicts entries that have had no
// subscribers for evictAfter and have no fetch pending.
func (c *Cache) scheduleLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.scanOnce()
		}
	}
}

func (c *Cache) scanOnce() {
	c.mu.Lock()

	now := c.now()
	var pending []delivery
	for key, e := range c.entries {
		if len(e.subs) == 0 {
			if !e.fetching && !e.idleSince.IsZero() && now.Sub(e.idleSince) >= c.evictAfter {
				delete(c.entries, key)
				observability.RecordEviction()
			}
			continue
		}
		if !e.fetching && c.due(e) {
			pending = c.startFetchLocked(key, e, pending)
		}
	}
	c.updateSizeGaugesLocked()
	c.mu.Unlock()

	c.deliver(pending)
}

func (c *Cache) updateSizeGaugesLocked() {
	subs := 0
	for _, e := range c.entries {
		subs += len(e.subs)
	}
	observability.UpdateCacheSizes(len(c.entries), subs)
}

func opOrUnknown(op string) string {
	if op == "" {
		return "unknown"
	}
	return op
}
