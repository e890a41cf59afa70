package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/time/rate"

	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

var errLeaseExpired = errors.New("lease expired")

// MemoryBroker is an in-process Broker for tests and single-node development.
// Pending messages are served by priority, then in publish order.
type MemoryBroker struct {
	mu        sync.Mutex
	pending   map[model.JobKind]*entryHeap
	scheduled []*entry
	inflight  map[string]*entry
	known     map[string]struct{}
	seq       uint64
	wake      map[model.JobKind]chan struct{}
	pools     map[model.JobKind]PoolConfig

	pollInterval time.Duration
	reapInterval time.Duration
	lease        time.Duration
	now          func() time.Time
}

var _ Broker = (*MemoryBroker)(nil)

type entry struct {
	msg        Message
	seq        uint64
	attempt    int
	readyAt    time.Time
	leaseUntil time.Time
	index      int
}

// MemoryOption configures MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithPollInterval sets how often idle workers look for due retries (default 100ms).
func WithPollInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.pollInterval = d }
}

// WithReapInterval sets how often expired leases are recovered (default 5s).
func WithReapInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.reapInterval = d }
}

// WithLease sets the grace added to the job timeout before an in-flight
// message is considered abandoned (default DefaultLeaseTimeout).
func WithLease(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) {
		if d > 0 {
			b.lease = d
		}
	}
}

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

// WithPools sets pool sizing before Run is called.
func WithPools(pools []PoolConfig) MemoryOption {
	return func(b *MemoryBroker) {
		for _, p := range pools {
			b.pools[p.Queue] = p
		}
	}
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		pending:      make(map[model.JobKind]*entryHeap),
		inflight:     make(map[string]*entry),
		known:        make(map[string]struct{}),
		wake:         make(map[model.JobKind]chan struct{}),
		pools:        make(map[model.JobKind]PoolConfig),
		pollInterval: 100 * time.Millisecond,
		reapInterval: 5 * time.Second,
		lease:        DefaultLeaseTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) Publish(_ context.Context, msg Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.known[msg.ID]; dup {
		return nil
	}
	b.seq++
	b.known[msg.ID] = struct{}{}
	b.pushLocked(&entry{msg: msg, seq: b.seq, attempt: 1})
	return nil
}

func (b *MemoryBroker) Remove(_ context.Context, queue model.JobKind, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.pending[queue]; ok {
		for _, e := range *h {
			if e.msg.ID == id {
				heap.Remove(h, e.index)
				delete(b.known, id)
				return nil
			}
		}
	}
	for i, e := range b.scheduled {
		if e.msg.ID == id && e.msg.Queue == queue {
			b.scheduled = append(b.scheduled[:i], b.scheduled[i+1:]...)
			delete(b.known, id)
			return nil
		}
	}
	return nil
}

// Claim hands the next due message of queue to exactly one caller.
func (b *MemoryBroker) Claim(queue model.JobKind) (Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.promoteLocked(now)

	h, ok := b.pending[queue]
	if !ok || h.Len() == 0 {
		return Delivery{}, false
	}
	e := heap.Pop(h).(*entry)
	e.leaseUntil = now.Add(b.timeoutLocked(e.msg) + b.lease)
	b.inflight[e.msg.ID] = e

	return Delivery{
		JobID:       e.msg.ID,
		Queue:       e.msg.Queue,
		Attempt:     e.attempt,
		MaxAttempts: b.maxAttemptsLocked(e.msg),
		Payload:     e.msg.Payload,
	}, true
}

// Ack drops a successfully handled message.
func (b *MemoryBroker) Ack(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, id)
	delete(b.known, id)
}

// Nack records a failed attempt and schedules a retry when attempts remain.
func (b *MemoryBroker) Nack(id string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackLocked(id, cause, b.now())
}

func (b *MemoryBroker) nackLocked(id string, cause error, now time.Time) {
	e, ok := b.inflight[id]
	if !ok {
		return
	}
	delete(b.inflight, id)

	maxAttempts := b.maxAttemptsLocked(e.msg)
	if IsPermanent(cause) || e.attempt >= maxAttempts {
		delete(b.known, id)
		log.Warnf("[Queue] %s job %s dropped after attempt %d/%d: %v", e.msg.Queue, id, e.attempt, maxAttempts, cause)
		return
	}

	pool := b.poolLocked(e.msg.Queue)
	e.readyAt = now.Add(Backoff(pool.BaseBackoff, pool.MaxBackoff, e.attempt))
	e.attempt++
	b.scheduled = append(b.scheduled, e)
	log.Debugf("[Queue] %s job %s retry %d scheduled at %s", e.msg.Queue, id, e.attempt, e.readyAt.Format(time.RFC3339))
}

// requeue returns a claimed message untouched, for deliveries abandoned before
// the handler ran.
func (b *MemoryBroker) requeue(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.inflight[id]
	if !ok {
		return
	}
	delete(b.inflight, id)
	b.pushLocked(e)
}

// reap fails every in-flight message whose lease expired.
func (b *MemoryBroker) reap() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var expired []string
	for id, e := range b.inflight {
		if now.After(e.leaseUntil) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		b.nackLocked(id, errLeaseExpired, now)
	}
	return len(expired)
}

// Len returns the number of pending and scheduled messages of queue.
func (b *MemoryBroker) Len(queue model.JobKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if h, ok := b.pending[queue]; ok {
		n = h.Len()
	}
	for _, e := range b.scheduled {
		if e.msg.Queue == queue {
			n++
		}
	}
	return n
}

// InFlight returns the number of claimed, unacknowledged messages.
func (b *MemoryBroker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Run starts Concurrency workers per pool and blocks until ctx is canceled
// and every worker has returned.
func (b *MemoryBroker) Run(ctx context.Context, pools []PoolConfig, handlers map[model.JobKind]Handler) error {
	b.mu.Lock()
	for _, p := range pools {
		b.pools[p.Queue] = p
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		h, ok := handlers[p.Queue]
		if !ok {
			continue
		}
		limiter := startLimiter(p.StartsPerSecond)
		for i := 0; i < p.Concurrency; i++ {
			wg.Add(1)
			go func(p PoolConfig) {
				defer wg.Done()
				b.work(ctx, p, h, limiter)
			}(p)
		}
		log.Infof("[Queue] %s pool started (concurrency %d)", p.Queue, p.Concurrency)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(b.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := b.reap(); n > 0 {
					log.Warnf("[Queue] recovered %d expired leases", n)
				}
			}
		}
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (b *MemoryBroker) work(ctx context.Context, p PoolConfig, h Handler, limiter *rate.Limiter) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	wake := b.wakeChan(p.Queue)

	for {
		if ctx.Err() != nil {
			return
		}
		d, ok := b.Claim(p.Queue)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			b.requeue(d.JobID)
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, b.timeout(p, d))
		err := safeHandle(jobCtx, h, d)
		cancel()

		if err != nil {
			log.Warnf("[Queue] %s failed: %v", d, err)
			b.Nack(d.JobID, err)
			continue
		}
		b.Ack(d.JobID)
	}
}

func (b *MemoryBroker) timeout(p PoolConfig, d Delivery) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.inflight[d.JobID]; ok && e.msg.Timeout > 0 {
		return e.msg.Timeout
	}
	return p.JobTimeout
}

func safeHandle(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return h.Handle(ctx, d)
}

func startLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func (b *MemoryBroker) pushLocked(e *entry) {
	h, ok := b.pending[e.msg.Queue]
	if !ok {
		h = &entryHeap{}
		b.pending[e.msg.Queue] = h
	}
	heap.Push(h, e)
	b.signalLocked(e.msg.Queue)
}

func (b *MemoryBroker) promoteLocked(now time.Time) {
	kept := b.scheduled[:0]
	for _, e := range b.scheduled {
		if !e.readyAt.After(now) {
			b.pushLocked(e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(b.scheduled); i++ {
		b.scheduled[i] = nil
	}
	b.scheduled = kept
}

func (b *MemoryBroker) wakeChan(queue model.JobKind) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakeLocked(queue)
}

func (b *MemoryBroker) wakeLocked(queue model.JobKind) chan struct{} {
	ch, ok := b.wake[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.wake[queue] = ch
	}
	return ch
}

func (b *MemoryBroker) signalLocked(queue model.JobKind) {
	select {
	case b.wakeLocked(queue) <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) poolLocked(queue model.JobKind) PoolConfig {
	if p, ok := b.pools[queue]; ok {
		return p
	}
	return DefaultPool(queue)
}

func (b *MemoryBroker) maxAttemptsLocked(msg Message) int {
	if msg.MaxAttempts > 0 {
		return msg.MaxAttempts
	}
	return b.poolLocked(msg.Queue).MaxAttempts
}

func (b *MemoryBroker) timeoutLocked(msg Message) time.Duration {
	if msg.Timeout > 0 {
		return msg.Timeout
	}
	return b.poolLocked(msg.Queue).JobTimeout
}

// entryHeap orders by priority (highest first), then publish order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
