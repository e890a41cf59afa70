package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
)

// SubscriptionLister finds the webhooks an event must go to.
type SubscriptionLister interface {
	ListSubscribed(ctx context.Context, orgID, event string) ([]model.Webhook, error)
}

// Enqueuer is the part of the job queue the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *model.Job) (string, error)
}

// Dispatcher fans an event out to one webhook job per subscribed endpoint.
// It never talks to receivers itself.
type Dispatcher struct {
	webhooks SubscriptionLister
	queue    Enqueuer
	now      func() time.Time
}

func NewDispatcher(webhooks SubscriptionLister, queue Enqueuer) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		queue:    queue,
		now:      time.Now,
	}
}

// Trigger enqueues a delivery of event to every enabled webhook of orgID
// subscribed to it. It returns how many deliveries were enqueued; a failure
// to enqueue one endpoint is logged and does not stop the others.
func (d *Dispatcher) Trigger(ctx context.Context, orgID, event string, data any) (int, error) {
	hooks, err := d.webhooks.ListSubscribed(ctx, orgID, event)
	if err != nil {
		return 0, err
	}
	if len(hooks) == 0 {
		return 0, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s event data: %w", event, err)
	}
	ts := d.now().UTC()

	enqueued := 0
	for _, h := range hooks {
		payload, err := model.EncodePayload(model.WebhookPayload{
			WebhookID: h.ID,
			URL:       h.URL,
			Secret:    h.Secret,
			Event:     event,
			Timestamp: ts,
			Data:      raw,
		})
		if err != nil {
			log.Errorf("[Webhook] failed to encode %s for webhook %s: %v", event, h.ID, err)
			continue
		}
		jobID, err := d.queue.Enqueue(ctx, &model.Job{
			OrganizationID: orgID,
			Kind:           model.JobKindWebhook,
			Operation:      event,
			Payload:        payload,
		})
		if err != nil {
			log.Errorf("[Webhook] failed to enqueue %s for webhook %s: %v", event, h.ID, err)
			continue
		}
		log.Debugf("[Webhook] queued %s for webhook %s as job %s", event, h.ID, jobID)
		enqueued++
	}
	return enqueued, nil
}
