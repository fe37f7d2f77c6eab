package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/execution-hub/verification-gate/internal/domain/security"
)

// AlertPublisher implements security.AlertSink over Redis Pub/Sub.
// Delivery is at-most-once.
type AlertPublisher struct {
	client *Client
}

func NewAlertPublisher(client *Client) *AlertPublisher {
	return &AlertPublisher{client: client}
}

func (p *AlertPublisher) Publish(ctx context.Context, alert security.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if err := p.client.rdb.Publish(ctx, p.client.alertsChannel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// AlertSubscription delivers alerts published by any gate instance sharing
// the namespace.
type AlertSubscription struct {
	alerts chan security.Alert
	errors chan error
	cancel context.CancelFunc
}

func (s *AlertSubscription) Alerts() <-chan security.Alert { return s.alerts }
func (s *AlertSubscription) Errors() <-chan error          { return s.errors }

// Close stops the subscription. Alerts and Errors are closed afterwards.
func (s *AlertSubscription) Close() { s.cancel() }

// Subscribe listens on the alert channel until ctx is done or Close is called.
func (p *AlertPublisher) Subscribe(ctx context.Context) (*AlertSubscription, error) {
	pubsub := p.client.rdb.Subscribe(ctx, p.client.alertsChannel())
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to alerts: %w", err)
	}

	alerts := make(chan security.Alert, 10)
	errs := make(chan error, 10)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(alerts)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var alert security.Alert
				if err := json.Unmarshal([]byte(msg.Payload), &alert); err != nil {
					select {
					case errs <- fmt.Errorf("failed to decode alert: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case alerts <- alert:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &AlertSubscription{alerts: alerts, errors: errs, cancel: cancel}, nil
}
