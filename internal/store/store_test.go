package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func queuedJob(id string) *model.Job {
	return &model.Job{
		ID:             id,
		OrganizationID: "org-1",
		Kind:           model.JobKindImage,
		Status:         model.JobStatusQueued,
		MaxAttempts:    3,
		Payload:        []byte(`{"kind":"image","data":{"prompt":"a cat"}}`),
		CreatedAt:      time.Now().UTC(),
	}
}

func TestJobClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestDB(t))
	require.NoError(t, jobs.Create(ctx, queuedJob("job-1")))

	now := time.Now().UTC()
	ok, err := jobs.Claim(ctx, "job-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = jobs.Claim(ctx, "job-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a leased job cannot be claimed twice")

	later := now.Add(2 * time.Minute)
	ok, err = jobs.Claim(ctx, "job-1", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease can be reclaimed")

	job, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)
	assert.WithinDuration(t, now, *job.StartedAt, time.Millisecond, "first start time is kept")
}

func TestJobCancelOnlyWhileQueued(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestDB(t))
	require.NoError(t, jobs.Create(ctx, queuedJob("job-1")))
	require.NoError(t, jobs.Create(ctx, queuedJob("job-2")))

	ok, err := jobs.Cancel(ctx, "job-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	now := time.Now().UTC()
	claimed, err := jobs.Claim(ctx, "job-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "a canceled job is never claimed")

	_, err = jobs.Claim(ctx, "job-2", now, now.Add(time.Minute))
	require.NoError(t, err)
	ok, err = jobs.Cancel(ctx, "job-2", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestDB(t))
	require.NoError(t, jobs.Create(ctx, queuedJob("job-1")))

	now := time.Now().UTC()
	_, err := jobs.Claim(ctx, "job-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, jobs.Release(ctx, "job-1", "upstream 503"))

	job, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.Error)
	assert.Equal(t, "upstream 503", *job.Error)

	_, err = jobs.Claim(ctx, "job-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, jobs.Progress(ctx, "job-1", 40, "generating"))
	require.NoError(t, jobs.SaveResult(ctx, "job-1", []byte(`{"assets":[],"credits":3}`)))
	require.NoError(t, jobs.Complete(ctx, "job-1", 3, now))

	job, err = jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, int64(3), job.ActualCredits)
	assert.Equal(t, 2, job.Attempts)
	assert.Nil(t, job.Error)
	assert.True(t, job.HasResult())
	assert.NotNil(t, job.CompletedAt)

	// terminal jobs don't move
	require.NoError(t, jobs.Fail(ctx, "job-1", "late failure", now))
	job, _ = jobs.Get(ctx, "job-1")
	assert.Equal(t, model.JobStatusCompleted, job.Status)
}

func TestJobGetNotFound(t *testing.T) {
	jobs := NewJobStore(newTestDB(t))
	_, err := jobs.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGenerationCreateIgnoresDuplicateJob(t *testing.T) {
	ctx := context.Background()
	gens := NewGenerationStore(newTestDB(t))

	g := &model.Generation{ID: "gen-1", JobID: "job-1", OrganizationID: "org-1", Kind: model.JobKindImage, Credits: 3,
		Assets: []model.Asset{{Path: "images/a.png", URL: "https://cdn/a.png"}}}
	require.NoError(t, gens.Create(ctx, g))
	require.NoError(t, gens.Create(ctx, &model.Generation{ID: "gen-2", JobID: "job-1", OrganizationID: "org-1", Kind: model.JobKindImage}))

	got, err := gens.GetByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "gen-1", got.ID)
	require.Len(t, got.Assets, 1)
	assert.Equal(t, "https://cdn/a.png", got.Assets[0].URL)

	list, err := gens.ListByOrganization(ctx, "org-1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWebhookSubscriptions(t *testing.T) {
	ctx := context.Background()
	hooks := NewWebhookStore(newTestDB(t))

	require.NoError(t, hooks.Create(ctx, &model.Webhook{ID: "wh-1", OrganizationID: "org-1", URL: "https://a", Events: []string{model.EventGenerationNew}, Secret: "s1", Enabled: true}))
	require.NoError(t, hooks.Create(ctx, &model.Webhook{ID: "wh-2", OrganizationID: "org-1", URL: "https://b", Events: []string{model.EventWildcard}, Secret: "s2", Enabled: true}))
	require.NoError(t, hooks.Create(ctx, &model.Webhook{ID: "wh-3", OrganizationID: "org-1", URL: "https://c", Events: []string{model.EventGenerationNew}, Secret: "s3", Enabled: false}))
	require.NoError(t, hooks.Create(ctx, &model.Webhook{ID: "wh-4", OrganizationID: "org-2", URL: "https://d", Events: []string{model.EventWildcard}, Secret: "s4", Enabled: true}))

	got, err := hooks.ListSubscribed(ctx, "org-1", model.EventGenerationNew)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"wh-1", "wh-2"}, []string{got[0].ID, got[1].ID})

	got, err = hooks.ListSubscribed(ctx, "org-1", model.EventJobUpdate)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wh-2", got[0].ID)

	updated, err := hooks.UpdateSecret(ctx, "org-1", "wh-1", "rotated")
	require.NoError(t, err)
	assert.Equal(t, "rotated", updated.Secret)

	_, err = hooks.UpdateSecret(ctx, "org-2", "wh-1", "stolen")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "webhooks are scoped to their organization")

	require.NoError(t, hooks.SetEnabled(ctx, "org-1", "wh-3", true))
	got, err = hooks.ListSubscribed(ctx, "org-1", model.EventGenerationNew)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestDeliveriesNewestFirst(t *testing.T) {
	ctx := context.Background()
	deliveries := NewDeliveryStore(newTestDB(t))

	base := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		require.NoError(t, deliveries.Record(ctx, &model.WebhookDelivery{
			ID: fmt.Sprintf("d-%d", i), WebhookID: "wh-1", JobID: "job-1", Event: model.EventJobUpdate,
			StatusCode: 500, Attempt: i, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	list, err := deliveries.ListByWebhook(ctx, "wh-1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].Attempt)
	assert.Equal(t, 2, list[1].Attempt)

	n, err := deliveries.CountByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestOrganizationUpsert(t *testing.T) {
	ctx := context.Background()
	orgs := NewOrganizationStore(newTestDB(t))

	require.NoError(t, orgs.Upsert(ctx, &model.Organization{ID: "org-1", Name: "Acme", Status: model.OrganizationActive, Plan: model.PlanFree}))
	require.NoError(t, orgs.Upsert(ctx, &model.Organization{ID: "org-1", Name: "Acme", Status: model.OrganizationSuspended, Plan: model.PlanPro}))

	org, err := orgs.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanPro, org.Plan)
	assert.False(t, org.Active())

	_, err = orgs.Get(ctx, "org-9")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestJobTakeoverAndExpire(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestDB(t))
	require.NoError(t, jobs.Create(ctx, queuedJob("job-1")))
	require.NoError(t, jobs.Create(ctx, queuedJob("job-2")))

	now := time.Now().UTC()
	ok, err := jobs.Takeover(ctx, "job-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "only processing jobs can be taken over")

	_, err = jobs.Claim(ctx, "job-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	ok, err = jobs.Takeover(ctx, "job-1", now, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = jobs.Claim(ctx, "job-2", now, now.Add(time.Minute))
	require.NoError(t, err)

	later := now.Add(90 * time.Second)
	expired, err := jobs.ListExpired(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "job-2", expired[0].ID)

	ok, err = jobs.Expire(ctx, "job-1", model.JobStatusQueued, "lease expired", later)
	require.NoError(t, err)
	assert.False(t, ok, "a live lease is never expired")

	ok, err = jobs.Expire(ctx, "job-2", model.JobStatusFailed, "lease expired", later)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := jobs.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.LeaseUntil)

	job, err = jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts, "the abandoned attempt is counted")
}
