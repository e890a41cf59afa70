package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/ledger"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/pricing"
	"github.com/gabrielkendy/agenciabase-sub002/internal/provider"
	"github.com/gabrielkendy/agenciabase-sub002/internal/queue"
	"github.com/gabrielkendy/agenciabase-sub002/internal/store"
)

type fixture struct {
	jobs    *JobService
	credits *CreditService
	ledger  *ledger.Memory
	orgs    *store.OrganizationStore
	jobRecs *store.JobStore
	broker  *queue.MemoryBroker
}

func newFixture(t *testing.T, initialGrant int64) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	jobRecs := store.NewJobStore(db)
	broker := queue.NewMemoryBroker()
	q := queue.New(jobRecs, broker, []queue.PoolConfig{queue.DefaultPool(model.JobKindImage), queue.DefaultPool(model.JobKindVideo), queue.DefaultPool(model.JobKindAudio)})
	registry, err := provider.NewRegistry(provider.NewMock())
	require.NoError(t, err)

	l := ledger.NewMemory()
	credits := NewCreditService(l, initialGrant)
	orgs := store.NewOrganizationStore(db)
	return &fixture{
		jobs:    NewJobService(q, orgs, registry, pricing.New(nil), credits, WithSyncTimeout(50*time.Millisecond), WithPollInterval(10*time.Millisecond)),
		credits: credits,
		ledger:  l,
		orgs:    orgs,
		jobRecs: jobRecs,
		broker:  broker,
	}
}

func imageRequest(orgID string) SubmitRequest {
	input, _ := json.Marshal(model.ImagePayload{Prompt: "a lighthouse at dusk"})
	return SubmitRequest{OrganizationID: orgID, UserID: "user-1", Type: model.JobKindImage, Input: input}
}

func TestSubmitQueuesJobWithEstimate(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.credits.Grant(ctx, "org-1", 10, model.TransactionPurchase, "top up")
	require.NoError(t, err)
	require.NoError(t, f.orgs.Upsert(ctx, &model.Organization{ID: "org-1", Name: "Acme", Status: model.OrganizationActive, Plan: model.PlanPro}))

	resp, err := f.jobs.Submit(ctx, imageRequest("org-1"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, resp.Status)
	assert.Equal(t, int64(3), resp.EstimatedCredits)

	job, err := f.jobRecs.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "mock", job.Provider, "default provider is filled in")
	assert.Equal(t, 2, job.Priority, "pro plan priority")
	assert.Equal(t, pricing.OperationImage, job.Operation)
	assert.Equal(t, 1, f.broker.Len(model.JobKindImage))

	balance, err := f.ledger.GetBalance(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "nothing is charged at submission")
}

func TestSubmitInsufficientCredits(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.credits.Grant(ctx, "org-1", 1, model.TransactionBonus, "")
	require.NoError(t, err)

	_, err = f.jobs.Submit(ctx, imageRequest("org-1"))
	require.ErrorIs(t, err, apperr.ErrInsufficientCredits)

	var ice *apperr.InsufficientCreditsError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, int64(3), ice.Required)
	assert.Equal(t, int64(1), ice.Available)

	jobs, err := f.jobRecs.ListByOrganization(ctx, "org-1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job is created")
	assert.Zero(t, f.broker.Len(model.JobKindImage))
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	require.NoError(t, f.orgs.Upsert(ctx, &model.Organization{ID: "org-s", Status: model.OrganizationSuspended, Plan: model.PlanFree}))

	video, _ := json.Marshal(model.VideoPayload{ImageURL: "not a url", DurationSeconds: 5})
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing organization", imageRequest("")},
		{"webhook type", SubmitRequest{OrganizationID: "org-1", Type: model.JobKindWebhook, Input: json.RawMessage(`{}`)}},
		{"empty prompt", SubmitRequest{OrganizationID: "org-1", Type: model.JobKindImage, Input: json.RawMessage(`{"prompt":""}`)}},
		{"bad json", SubmitRequest{OrganizationID: "org-1", Type: model.JobKindImage, Input: json.RawMessage(`{"prompt":`)}},
		{"invalid video", SubmitRequest{OrganizationID: "org-1", Type: model.JobKindVideo, Input: video}},
		{"unknown provider", func() SubmitRequest { r := imageRequest("org-1"); r.Provider = "nope"; return r }()},
		{"suspended organization", imageRequest("org-s")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.jobs.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Zero(t, f.broker.Len(model.JobKindImage))
}

func TestInitialGrantOnFirstUse(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()

	bal, err := f.credits.Balance(ctx, "org-new")
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal.Balance)

	_, err = f.credits.Grant(ctx, "org-new", 5, model.TransactionBonus, "welcome")
	require.NoError(t, err)
	bal, err = f.credits.Balance(ctx, "org-new")
	require.NoError(t, err)
	assert.Equal(t, int64(30), bal.Balance, "the grant is applied once")

	txs, err := f.credits.Transactions(ctx, "org-new", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestStatusAndCancelAreOrganizationScoped(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	resp, err := f.jobs.Submit(ctx, imageRequest("org-1"))
	require.NoError(t, err)

	_, err = f.jobs.Status(ctx, "org-2", model.JobKindImage, resp.JobID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.jobs.Cancel(ctx, "org-2", model.JobKindImage, resp.JobID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	ok, err := f.jobs.Cancel(ctx, "org-1", model.JobKindImage, resp.JobID)
	require.NoError(t, err)
	assert.True(t, ok)

	view, err := f.jobs.Status(ctx, "org-1", model.JobKindImage, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, view.Status)

	ok, err = f.jobs.Cancel(ctx, "org-1", model.JobKindImage, resp.JobID)
	require.NoError(t, err)
	assert.False(t, ok, "a canceled job cannot be canceled again")
}

func TestSubmitSyncReturnsRunningStatusOnTimeout(t *testing.T) {
	f := newFixture(t, 100)

	view, err := f.jobs.SubmitSync(context.Background(), imageRequest("org-1"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, view.Status)

	audio, _ := json.Marshal(model.AudioPayload{Text: "hi"})
	_, err = f.jobs.SubmitSync(context.Background(), SubmitRequest{OrganizationID: "org-1", Type: model.JobKindAudio, Input: audio})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
