package notify

import (
	"context"
	"fmt"
	"log"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"taxflow/internal/config"
	"taxflow/internal/models"
	"taxflow/internal/worker"
)

const (
	TypeCalculationCompleted = "com.taxflow.calculation.completed"
	TypeCalculationFailed    = "com.taxflow.calculation.failed"
)

// CalculationEvent is the payload of both event types.
type CalculationEvent struct {
	SessionID string                    `json:"session_id"`
	OwnerID   string                    `json:"owner_id"`
	Result    *models.CalculationResult `json:"result,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// Notifier publishes a CloudEvent for every finished calculation.
// Without a sink URL it does nothing.
type Notifier struct {
	client cloudevents.Client
	target string
	source string
}

func New(cfg config.EventsConfig) (*Notifier, error) {
	if cfg.SinkURL == "" {
		return &Notifier{}, nil
	}
	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("create cloudevents client: %w", err)
	}
	source := cfg.Source
	if source == "" {
		source = "taxflow/calculation"
	}
	return &Notifier{client: client, target: cfg.SinkURL, source: source}, nil
}

// Enabled reports whether events are sent anywhere.
func (n *Notifier) Enabled() bool {
	return n != nil && n.client != nil
}

// Publish sends one calculation event to the sink.
func (n *Notifier) Publish(ctx context.Context, payload CalculationEvent) error {
	if !n.Enabled() {
		return nil
	}
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(n.source)
	event.SetSubject(payload.SessionID)
	if payload.Error != "" {
		event.SetType(TypeCalculationFailed)
	} else {
		event.SetType(TypeCalculationCompleted)
	}
	if err := event.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	res := n.client.Send(cloudevents.ContextWithTarget(ctx, n.target), event)
	if cloudevents.IsUndelivered(res) {
		return fmt.Errorf("send event: %w", res)
	}
	if !cloudevents.IsACK(res) {
		return fmt.Errorf("event rejected: %w", res)
	}
	return nil
}

// CalculationFinished is a worker.CompletionHook.
func (n *Notifier) CalculationFinished(ctx context.Context, task *worker.Task, result *models.CalculationResult, runErr error) {
	if !n.Enabled() {
		return
	}
	payload := CalculationEvent{SessionID: task.SessionID, OwnerID: task.OwnerID, Result: result}
	if runErr != nil {
		payload.Result = nil
		payload.Error = runErr.Error()
	}
	if err := n.Publish(ctx, payload); err != nil {
		log.Printf("notify: session %s: %v", task.SessionID, err)
	}
}
