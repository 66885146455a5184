package ratelimit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// numShards splits the client map so high-cardinality traffic does not
// serialize on one lock. Power of two.
const numShards = 64

type shard struct {
	mu      sync.Mutex
	clients map[string]*clientHistory
}

// Decision is reported to the decision hook after every check.
type Decision struct {
	ClientID    string
	OperationID string
	Allowed     bool
	// Rule is the violated rule, zero when Allowed.
	Rule Rule
	At   time.Time
}

// Limiter owns the operation rule bindings and per-client request logs.
// Create one with New at startup, it lives until its context is cancelled.
type Limiter struct {
	shards  [numShards]shard
	tracked atomic.Int64
	// retention is the longest window of any bound operation. Client logs
	// are pruned to it so every operation sees its whole window.
	retention atomic.Int64

	// bindings is an immutable snapshot swapped under bindMu, reads never lock
	bindMu   sync.Mutex
	bindings atomic.Pointer[map[string][]Rule]
	defaults atomic.Pointer[[]Rule]

	now            func() time.Time
	mode           WindowMode
	recordRejected bool
	sweepInterval  time.Duration
	maxClients     int

	onDecision    func(Decision)
	onFirstDenied func(clientID, operationID string, rule Rule)
	onCapacity    func(clientID string)
	onEvict       func(n int)
}

type Option func(*Limiter)

// WithDefaultRules sets the fallback rules for operations that declare none.
func WithDefaultRules(rules ...Rule) Option {
	return func(l *Limiter) {
		l.RegisterDefaultRules(rules...)
	}
}

// WithClock replaces time.Now, used by tests and the middleware.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithWindowMode selects scaled (count * unit) or single-unit windows.
func WithWindowMode(m WindowMode) Option {
	return func(l *Limiter) {
		l.mode = m
	}
}

// WithRecordRejected controls whether a rejected request still takes a slot
// in the client's log. Default true.
func WithRecordRejected(record bool) Option {
	return func(l *Limiter) {
		l.recordRejected = record
	}
}

// WithSweepInterval sets how often idle clients are evicted. 0 disables the
// background sweeper, Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweepInterval = d
	}
}

// WithMaxClients caps the number of tracked clients. 0 means unlimited.
func WithMaxClients(n int) Option {
	return func(l *Limiter) {
		l.maxClients = n
	}
}

// WithOnDecision sets a callback for every admission decision, used for
// metrics and the decision stats sink. Called without any limiter lock held.
func WithOnDecision(fn func(Decision)) Option {
	return func(l *Limiter) {
		l.onDecision = fn
	}
}

// WithOnFirstDenied sets a callback for the first denial of each tracked client,
// used for logging so one noisy client produces one log line per lifetime.
func WithOnFirstDenied(fn func(clientID, operationID string, rule Rule)) Option {
	return func(l *Limiter) {
		l.onFirstDenied = fn
	}
}

// WithOnCapacity sets a callback for new clients turned away at capacity.
func WithOnCapacity(fn func(clientID string)) Option {
	return func(l *Limiter) {
		l.onCapacity = fn
	}
}

// WithOnEvict sets a callback receiving the number of clients removed by a sweep.
func WithOnEvict(fn func(n int)) Option {
	return func(l *Limiter) {
		l.onEvict = fn
	}
}

// New creates a Limiter and starts the background sweeper, which stops when
// ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		now:            time.Now,
		mode:           WindowScaled,
		recordRejected: true,
		sweepInterval:  time.Minute,
		maxClients:     100_000,
	}
	for i := range l.shards {
		l.shards[i].clients = make(map[string]*clientHistory)
	}
	empty := map[string][]Rule{}
	l.bindings.Store(&empty)
	noRules := []Rule{}
	l.defaults.Store(&noRules)

	for _, o := range opts {
		o(l)
	}
	if l.sweepInterval > 0 {
		go l.sweeper(ctx)
	}
	return l
}

// Now is the limiter's clock.
func (l *Limiter) Now() time.Time { return l.now() }

// Mode returns the window mode in effect.
func (l *Limiter) Mode() WindowMode { return l.mode }

// RegisterDefaultRules replaces the limiter-wide fallback rules.
func (l *Limiter) RegisterDefaultRules(rules ...Rule) {
	cp := slices.Clone(rules)
	if cp == nil {
		cp = []Rule{}
	}
	l.defaults.Store(&cp)
}

// DefaultRules returns a copy of the fallback rules.
func (l *Limiter) DefaultRules() []Rule {
	return slices.Clone(*l.defaults.Load())
}

// Resolve returns override when it has rules, otherwise the defaults.
func (l *Limiter) Resolve(override []Rule) []Rule {
	if len(override) > 0 {
		return override
	}
	return l.DefaultRules()
}

// Bind associates rules with operationID unless it is already bound, and
// returns the rules that govern the operation from now on. First write wins.
func (l *Limiter) Bind(operationID string, rules []Rule) []Rule {
	if bound, ok := (*l.bindings.Load())[operationID]; ok {
		return bound
	}

	l.bindMu.Lock()
	defer l.bindMu.Unlock()
	cur := *l.bindings.Load()
	// another goroutine may have won while we waited for the lock
	if bound, ok := cur[operationID]; ok {
		return bound
	}
	next := make(map[string][]Rule, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	bound := slices.Clone(rules)
	if bound == nil {
		bound = []Rule{}
	}
	next[operationID] = bound
	l.bindings.Store(&next)
	if w := int64(longestWindow(bound, l.mode)); w > l.retention.Load() {
		// writers hold bindMu, a plain store cannot lose an update
		l.retention.Store(w)
	}
	return bound
}

// Retention is how long a client's timestamps are kept.
func (l *Limiter) Retention() time.Duration {
	return time.Duration(l.retention.Load())
}

// BoundRules returns the rules bound to operationID, if any.
func (l *Limiter) BoundRules(operationID string) ([]Rule, bool) {
	rules, ok := (*l.bindings.Load())[operationID]
	return slices.Clone(rules), ok
}

// Tracked returns the number of clients with a live history.
func (l *Limiter) Tracked() int {
	return int(l.tracked.Load())
}

// CheckAndRecord records a request by clientID against operationID at now and
// reports whether it is admitted. The operation is bound to rules if this is
// its first check; after that the bound rules apply whatever rules says.
// Returns nil, a *RateLimitExceeded, or ErrCapacity.
func (l *Limiter) CheckAndRecord(clientID, operationID string, rules []Rule, now time.Time) error {
	bound := l.Bind(operationID, rules)
	if len(bound) == 0 {
		l.report(Decision{ClientID: clientID, OperationID: operationID, Allowed: true, At: now})
		return nil
	}

	for {
		h, evicted, err := l.history(clientID, now)
		if evicted > 0 && l.onEvict != nil {
			l.onEvict(evicted)
		}
		if err != nil {
			if l.onCapacity != nil {
				l.onCapacity(clientID)
			}
			return err
		}

		h.mu.Lock()
		if h.evicted {
			// lost a race with the sweeper, the client has to be re-created
			h.mu.Unlock()
			continue
		}
		exceeded := l.admit(h, bound, now)
		firstDenial := exceeded != nil && !h.denied
		if firstDenial {
			h.denied = true
		}
		h.mu.Unlock()

		// hooks run outside the client lock, they may do slow work
		d := Decision{ClientID: clientID, OperationID: operationID, Allowed: exceeded == nil, At: now}
		if exceeded != nil {
			d.Rule = exceeded.Rule
			if firstDenial && l.onFirstDenied != nil {
				l.onFirstDenied(clientID, operationID, exceeded.Rule)
			}
		}
		l.report(d)

		if exceeded != nil {
			return exceeded
		}
		return nil
	}
}

// admit appends now to the client's log and checks it against the
// operation's rules. Caller holds h.mu.
func (l *Limiter) admit(h *clientHistory, bound []Rule, now time.Time) *RateLimitExceeded {
	ts := append(h.ts, now)

	var exceeded *RateLimitExceeded
	for _, r := range bound {
		window := r.Window(l.mode)
		if countSince(ts, now.Add(-window)) <= r.count {
			continue
		}
		if !l.recordRejected {
			ts = ts[:len(ts)-1]
		}
		exceeded = &RateLimitExceeded{
			Rule:       r,
			RetryAfter: retryAfter(ts, now, r.count, window),
		}
		break
	}

	h.ts = pruneBefore(ts, now.Add(-l.Retention()))
	return exceeded
}

func (l *Limiter) report(d Decision) {
	if l.onDecision != nil {
		l.onDecision(d)
	}
}

func (l *Limiter) shardFor(clientID string) *shard {
	return &l.shards[xxhash.Sum64String(clientID)&(numShards-1)]
}

// history fetches or lazily creates the client's history. When the limiter is
// at capacity it sweeps the client's shard first and reports how many clients
// that evicted.
func (l *Limiter) history(clientID string, now time.Time) (*clientHistory, int, error) {
	s := l.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.clients[clientID]; ok {
		return h, 0, nil
	}

	evicted := 0
	if !l.reserveSlot() {
		evicted = l.sweepShardLocked(s, now)
		if !l.reserveSlot() {
			return nil, evicted, ErrCapacity
		}
	}

	h := newClientHistory()
	s.clients[clientID] = h
	return h, evicted, nil
}

// reserveSlot counts a new client in tracked, or reports false when the cap
// is reached. Shards insert concurrently, so the check and the increment
// are one CAS.
func (l *Limiter) reserveSlot() bool {
	if l.maxClients <= 0 {
		l.tracked.Add(1)
		return true
	}
	for {
		n := l.tracked.Load()
		if n >= int64(l.maxClients) {
			return false
		}
		if l.tracked.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Sweep prunes every client's log relative to now and evicts clients left
// with nothing. Returns the number of evicted clients.
func (l *Limiter) Sweep(now time.Time) int {
	total := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		total += l.sweepShardLocked(s, now)
		s.mu.Unlock()
	}
	if total > 0 && l.onEvict != nil {
		l.onEvict(total)
	}
	return total
}

// sweepShardLocked prunes and evicts within one shard. Caller holds s.mu.
// Lock order is always shard then client.
func (l *Limiter) sweepShardLocked(s *shard, now time.Time) int {
	cutoff := now.Add(-l.Retention())
	evicted := 0
	for id, h := range s.clients {
		h.mu.Lock()
		h.ts = pruneBefore(h.ts, cutoff)
		if h.empty() {
			h.evicted = true
			delete(s.clients, id)
			l.tracked.Add(-1)
			evicted++
		}
		h.mu.Unlock()
	}
	return evicted
}

// sweeper periodically evicts idle clients until ctx is done.
func (l *Limiter) sweeper(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(l.now())
		}
	}
}

// IsExceeded reports whether err is a rate limit rejection and returns it.
func IsExceeded(err error) (*RateLimitExceeded, bool) {
	var e *RateLimitExceeded
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
