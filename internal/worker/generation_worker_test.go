package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/breaker"
	"github.com/gabrielkendy/agenciabase-sub002/internal/ledger"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/pricing"
	"github.com/gabrielkendy/agenciabase-sub002/internal/provider"
	"github.com/gabrielkendy/agenciabase-sub002/internal/queue"
	"github.com/gabrielkendy/agenciabase-sub002/internal/retry"
	"github.com/gabrielkendy/agenciabase-sub002/internal/service"
	"github.com/gabrielkendy/agenciabase-sub002/internal/storage"
	"github.com/gabrielkendy/agenciabase-sub002/internal/store"
	"github.com/gabrielkendy/agenciabase-sub002/internal/webhook"
)

var fastPolicy = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, AttemptTimeout: time.Second}

type recordingNotifier struct {
	mu     sync.Mutex
	events []JobUpdate
}

func (n *recordingNotifier) Notify(channel, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if u, ok := payload.(JobUpdate); ok && channel == model.JobChannel(u.JobID) {
		n.events = append(n.events, u)
	}
}

func (n *recordingNotifier) last() JobUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type pipeline struct {
	queue       *queue.Queue
	broker      *queue.MemoryBroker
	jobs        *store.JobStore
	generations *store.GenerationStore
	deliveries  *store.DeliveryStore
	webhooks    *webhook.Service
	ledger      *ledger.Memory
	storage     *storage.Memory
	notifier    *recordingNotifier
	jobService  *service.JobService
	worker      *GenerationWorker
	delivery    *webhook.DeliveryWorker
	mock        *provider.Mock
	pools       []queue.PoolConfig
}

func newPipeline(t *testing.T, mock *provider.Mock) *pipeline {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	guard := breaker.New(rdb)

	pools := []queue.PoolConfig{
		{Queue: model.JobKindImage, Concurrency: 2, StartsPerSecond: 100, MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, JobTimeout: 5 * time.Second},
		{Queue: model.JobKindWebhook, Concurrency: 2, StartsPerSecond: 100, MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, JobTimeout: 5 * time.Second},
	}
	jobs := store.NewJobStore(db)
	broker := queue.NewMemoryBroker(queue.WithPollInterval(5*time.Millisecond), queue.WithPools(pools))
	q := queue.New(jobs, broker, pools)

	registry, err := provider.NewRegistry(mock)
	require.NoError(t, err)

	webhookStore := store.NewWebhookStore(db)
	deliveries := store.NewDeliveryStore(db)
	generations := store.NewGenerationStore(db)
	l := ledger.NewMemory()
	objects := storage.NewMemory("assets", "https://cdn.example.com")
	notifier := &recordingNotifier{}
	calc := pricing.New(nil)

	w := NewGenerationWorker(Deps{
		Queue:       q,
		Providers:   registry,
		Storage:     objects,
		Pricing:     calc,
		Ledger:      l,
		Generations: generations,
		Notifier:    notifier,
		Events:      webhook.NewDispatcher(webhookStore, q),
		Guard:       guard,
	}, WithPolicy(model.JobKindImage, fastPolicy))

	return &pipeline{
		queue:       q,
		broker:      broker,
		jobs:        jobs,
		generations: generations,
		deliveries:  deliveries,
		webhooks:    webhook.NewService(webhookStore, deliveries),
		ledger:      l,
		storage:     objects,
		notifier:    notifier,
		jobService:  service.NewJobService(q, nil, registry, calc, service.NewCreditService(l, 0), service.WithPollInterval(10*time.Millisecond), service.WithSyncTimeout(5*time.Second)),
		worker:      w,
		delivery:    webhook.NewDeliveryWorker(q, deliveries, guard),
		mock:        mock,
		pools:       pools,
	}
}

func (p *pipeline) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.broker.Run(ctx, p.pools, map[model.JobKind]queue.Handler{
			model.JobKindImage:   p.worker,
			model.JobKindWebhook: p.delivery,
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func submitImage(t *testing.T, p *pipeline, orgID string) string {
	t.Helper()
	input, err := json.Marshal(model.ImagePayload{Prompt: "a lighthouse at dusk"})
	require.NoError(t, err)
	resp, err := p.jobService.Submit(context.Background(), service.SubmitRequest{OrganizationID: orgID, UserID: "user-1", Type: model.JobKindImage, Input: input})
	require.NoError(t, err)
	return resp.JobID
}

func TestEndToEndImageJob(t *testing.T) {
	p := newPipeline(t, provider.NewMock())
	ctx := context.Background()

	var received atomic.Int32
	var secret atomic.Value
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !webhook.Verify(body, r.Header.Get(webhook.HeaderSignature), secret.Load().(string)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	hook, err := p.webhooks.Create(ctx, "org-1", webhook.CreateRequest{URL: receiver.URL, Events: []string{model.EventGenerationNew}})
	require.NoError(t, err)
	secret.Store(hook.Secret)
	_, err = p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	p.run(t)
	jobID := submitImage(t, p, "org-1")

	require.Eventually(t, func() bool {
		rows, err := p.webhooks.Deliveries(ctx, "org-1", hook.ID, 10)
		if err != nil || len(rows) != 1 || !rows[0].Delivered {
			return false
		}
		status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
		return err == nil && status.Status == model.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, int64(3), status.ActualCredits)

	balance, err := p.ledger.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)

	txs, err := p.ledger.Transactions(ctx, "org-1", 10)
	require.NoError(t, err)
	debits := 0
	for _, tx := range txs {
		if tx.Type == model.TransactionDebit {
			debits++
			assert.Equal(t, model.ReferenceTypeJob, tx.ReferenceType)
			assert.Equal(t, jobID, tx.ReferenceID)
			assert.Equal(t, int64(-3), tx.Amount)
		}
	}
	assert.Equal(t, 1, debits)

	gen, err := p.generations.GetByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, gen.Assets, 1)
	_, ok := p.storage.Get(gen.Assets[0].Path)
	assert.True(t, ok, "asset was uploaded")

	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, model.JobStatusCompleted, p.notifier.last().Status)
}

func TestSubmitSyncWaitsForResult(t *testing.T) {
	p := newPipeline(t, provider.NewMock())
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)
	p.run(t)

	input, _ := json.Marshal(model.ImagePayload{Prompt: "a cat", NumImages: 2})
	view, err := p.jobService.SubmitSync(ctx, service.SubmitRequest{OrganizationID: "org-1", Type: model.JobKindImage, Input: input})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, view.Status)

	var result model.GenerationResult
	require.NoError(t, json.Unmarshal(view.Result, &result))
	assert.Len(t, result.Assets, 2)
	assert.Equal(t, int64(6), result.Credits)
}

func TestTransientProviderErrorsAreRetriedInProcess(t *testing.T) {
	flaky := provider.NewMock(provider.WithFailures(2, apperr.NewProviderHTTPError("mock", http.StatusServiceUnavailable, "busy")))
	p := newPipeline(t, flaky)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	d, ok := p.broker.Claim(model.JobKindImage)
	require.True(t, ok)
	require.NoError(t, p.worker.Handle(ctx, d))

	assert.Equal(t, int64(3), flaky.Calls())
	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, status.Status)
}

func TestTerminalProviderErrorFailsWithoutCharge(t *testing.T) {
	bad := provider.NewMock(provider.WithError(apperr.NewProviderHTTPError("mock", http.StatusBadRequest, "prompt rejected")))
	p := newPipeline(t, bad)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	d, ok := p.broker.Claim(model.JobKindImage)
	require.True(t, ok)

	err = p.worker.Handle(ctx, d)
	assert.True(t, queue.IsPermanent(err))
	assert.Equal(t, int64(1), bad.Calls(), "terminal errors are not retried")

	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "prompt rejected")

	balance, err := p.ledger.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
	assert.Equal(t, model.JobStatusFailed, p.notifier.last().Status)
}

func TestRetryableFailureReleasesUntilLastAttempt(t *testing.T) {
	down := provider.NewMock(provider.WithError(apperr.NewProviderHTTPError("mock", http.StatusBadGateway, "down")))
	p := newPipeline(t, down)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	d, ok := p.broker.Claim(model.JobKindImage)
	require.True(t, ok)

	err = p.worker.Handle(ctx, d)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, status.Status)

	d.Attempt = d.MaxAttempts
	err = p.worker.Handle(ctx, d)
	assert.True(t, queue.IsPermanent(err))
	status, err = p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status.Status)
}

func TestInsufficientCreditsAtSettlementFailsJob(t *testing.T) {
	p := newPipeline(t, provider.NewMock())
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 3, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	// the balance is spent elsewhere between admission and settlement
	_, err = p.ledger.Debit(ctx, ledger.DebitRequest{OrganizationID: "org-1", Amount: 2, ReferenceType: "manual", ReferenceID: "m-1"})
	require.NoError(t, err)

	d, ok := p.broker.Claim(model.JobKindImage)
	require.True(t, ok)
	err = p.worker.Handle(ctx, d)
	assert.True(t, queue.IsPermanent(err))
	assert.True(t, errors.Is(err, apperr.ErrInsufficientCredits))

	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status.Status)
	balance, err := p.ledger.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}

func TestSavedResultIsNotRegenerated(t *testing.T) {
	mock := provider.NewMock()
	p := newPipeline(t, mock)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	saved, err := json.Marshal(model.GenerationResult{Assets: []model.Asset{{Path: "p", URL: "u"}}, Credits: 3})
	require.NoError(t, err)
	// an earlier attempt saved its result and crashed before settling
	_, err = p.queue.Claim(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, p.queue.SaveResult(ctx, jobID, saved))
	require.NoError(t, p.queue.Release(ctx, jobID, errors.New("worker lost")))

	d, ok := p.broker.Claim(model.JobKindImage)
	require.True(t, ok)
	require.NoError(t, p.worker.Handle(ctx, d))

	assert.Zero(t, mock.Calls())
	balance, err := p.ledger.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
}

func TestCanceledJobIsDropped(t *testing.T) {
	mock := provider.NewMock()
	p := newPipeline(t, mock)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	ok, err := p.jobService.Cancel(ctx, "org-1", model.JobKindImage, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	err = p.worker.Handle(ctx, queue.Delivery{JobID: jobID, Queue: model.JobKindImage, Attempt: 1, MaxAttempts: 3})
	assert.NoError(t, err)
	assert.Zero(t, mock.Calls())
}

func TestRedeliveryTakesOverAbandonedLease(t *testing.T) {
	mock := provider.NewMock()
	p := newPipeline(t, mock)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	// the first holder crashed while its lease was still running
	_, err = p.queue.Claim(ctx, jobID)
	require.NoError(t, err)

	err = p.worker.Handle(ctx, queue.Delivery{JobID: jobID, Queue: model.JobKindImage, Attempt: 2, MaxAttempts: 3})
	require.NoError(t, err)

	assert.Equal(t, int64(1), mock.Calls())
	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, status.Status)
	assert.Equal(t, 2, status.Attempts, "the abandoned attempt is counted")
}

func TestLastRedeliveryOfAbandonedJobFails(t *testing.T) {
	down := provider.NewMock(provider.WithError(apperr.NewProviderHTTPError("mock", http.StatusBadGateway, "down")))
	p := newPipeline(t, down)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	_, err = p.queue.Claim(ctx, jobID)
	require.NoError(t, err)

	err = p.worker.Handle(ctx, queue.Delivery{JobID: jobID, Queue: model.JobKindImage, Attempt: 3, MaxAttempts: 3})
	assert.True(t, queue.IsPermanent(err))

	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status.Status)
}

func TestRecoveryRequeuesOrphanWithAttemptsLeft(t *testing.T) {
	mock := provider.NewMock()
	p := newPipeline(t, mock)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	_, err = p.queue.Claim(ctx, jobID)
	require.NoError(t, err)

	later := queue.New(p.jobs, p.broker, p.pools, queue.WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	moved, err := later.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, status.Status)
	assert.Equal(t, 1, status.Attempts)

	d, ok := p.broker.Claim(model.JobKindImage)
	require.True(t, ok)
	require.NoError(t, p.worker.Handle(ctx, d))

	status, err = p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, status.Status)
}

func TestRecoveryFailsOrphanOnItsLastAttempt(t *testing.T) {
	mock := provider.NewMock()
	p := newPipeline(t, mock)
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	jobID := submitImage(t, p, "org-1")
	for i := 0; i < 2; i++ {
		_, err := p.queue.Claim(ctx, jobID)
		require.NoError(t, err)
		require.NoError(t, p.queue.Release(ctx, jobID, errors.New("upstream 503")))
	}
	// the final attempt's holder vanished and the broker gave the task up
	_, err = p.queue.Claim(ctx, jobID)
	require.NoError(t, err)

	later := queue.New(p.jobs, p.broker, p.pools, queue.WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	moved, err := later.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status.Status)
	assert.Equal(t, 3, status.Attempts)
	require.NotNil(t, status.Error)
	assert.Equal(t, "lease expired", *status.Error)
	assert.Zero(t, mock.Calls())
}

type countingEvents struct {
	mu     sync.Mutex
	counts map[string]int
}

func (e *countingEvents) Trigger(_ context.Context, _ string, event string, _ any) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counts == nil {
		e.counts = make(map[string]int)
	}
	e.counts[event]++
	return 0, nil
}

func (e *countingEvents) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[event]
}

type flakyCompleteQueue struct {
	*queue.Queue
	failures atomic.Int32
}

func (q *flakyCompleteQueue) Complete(ctx context.Context, jobID string, actualCredits int64) error {
	if q.failures.Add(-1) >= 0 {
		return apperr.Persistence("complete job", errors.New("connection reset"))
	}
	return q.Queue.Complete(ctx, jobID, actualCredits)
}

func TestGenerationAnnouncedOnceWhenCompleteIsRetried(t *testing.T) {
	p := newPipeline(t, provider.NewMock())
	ctx := context.Background()
	_, err := p.ledger.Credit(ctx, "org-1", 10, model.TransactionPurchase, "")
	require.NoError(t, err)

	flaky := &flakyCompleteQueue{Queue: p.queue}
	flaky.failures.Store(1)
	events := &countingEvents{}
	deps := p.worker.Deps
	deps.Queue = flaky
	deps.Events = events
	w := NewGenerationWorker(deps, WithPolicy(model.JobKindImage, fastPolicy))

	jobID := submitImage(t, p, "org-1")
	d, ok := p.broker.Claim(model.JobKindImage)
	require.True(t, ok)

	err = w.Handle(ctx, d)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Zero(t, events.count(model.EventGenerationNew))

	d.Attempt = 2
	require.NoError(t, w.Handle(ctx, d))

	status, err := p.queue.GetStatus(ctx, model.JobKindImage, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, status.Status)
	assert.Equal(t, 1, events.count(model.EventGenerationNew))

	balance, err := p.ledger.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance, "the retried settlement is not charged twice")
}
