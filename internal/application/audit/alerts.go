package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/execution-hub/verification-gate/internal/domain/security"
)

// LogAlertSink writes alerts to the structured log.
type LogAlertSink struct {
	logger zerolog.Logger
}

func NewLogAlertSink(logger zerolog.Logger) *LogAlertSink {
	return &LogAlertSink{logger: logger.With().Str("service", "alerts").Logger()}
}

func (s *LogAlertSink) Publish(_ context.Context, alert security.Alert) error {
	ev := s.logger.Warn()
	if alert.RequiresManualIntervention {
		ev = s.logger.Error()
	}
	ev.Str("eventId", alert.Event.ID.String()).
		Str("eventType", string(alert.Event.Type)).
		Str("severity", string(alert.Event.Severity)).
		Str("agentId", alert.Event.AgentID).
		Str("contextId", alert.Event.ContextID).
		Bool("manualIntervention", alert.RequiresManualIntervention).
		Msg("security alert")
	return nil
}
