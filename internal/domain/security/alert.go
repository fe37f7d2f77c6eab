package security

import (
	"context"
	"errors"
)

// Alert is a SecurityEvent that needs an operator to look at it.
type Alert struct {
	Event                      *Event `json:"event"`
	RequiresManualIntervention bool   `json:"requiresManualIntervention"`
}

// NewAlert wraps an event; CRITICAL alerts always require manual intervention.
func NewAlert(event *Event) Alert {
	return Alert{
		Event:                      event,
		RequiresManualIntervention: event.Severity == SeverityCritical,
	}
}

// AlertSink receives alerts raised by the pipeline.
type AlertSink interface {
	Publish(ctx context.Context, alert Alert) error
}

// MultiSink fans out to several sinks and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Publish(ctx context.Context, alert Alert) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink discards alerts.
type NopSink struct{}

func (NopSink) Publish(context.Context, Alert) error { return nil }
