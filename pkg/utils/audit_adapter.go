package utils

import (
	"context"
)

// AuditLoggerAdapter wraps utils.AuditLogger behind the Info/Warn/Error/Security
// methods of the consensus packages' AuditRecorder interfaces, and adds a
// LogContext that takes its severity as a string (AuditLogger.LogContext
// takes an AuditSeverity).
type AuditLoggerAdapter struct {
	logger *AuditLogger
}

// NewAuditLoggerAdapter creates an adapter for consensus engine
func NewAuditLoggerAdapter(logger *AuditLogger) *AuditLoggerAdapter {
	if logger == nil {
		return nil
	}
	return &AuditLoggerAdapter{logger: logger}
}

func (a *AuditLoggerAdapter) Info(event string, fields map[string]interface{}) error {
	if a == nil || a.logger == nil {
		return nil
	}
	return a.logger.Info(event, fields)
}

func (a *AuditLoggerAdapter) Warn(event string, fields map[string]interface{}) error {
	if a == nil || a.logger == nil {
		return nil
	}
	return a.logger.Warn(event, fields)
}

func (a *AuditLoggerAdapter) Error(event string, fields map[string]interface{}) error {
	if a == nil || a.logger == nil {
		return nil
	}
	return a.logger.Error(event, fields)
}

func (a *AuditLoggerAdapter) Security(event string, fields map[string]interface{}) error {
	if a == nil || a.logger == nil {
		return nil
	}
	return a.logger.Security(event, fields)
}

// LogContext adapts string severity to AuditSeverity type
func (a *AuditLoggerAdapter) LogContext(ctx context.Context, event string, severity string, fields map[string]interface{}) error {
	if a == nil || a.logger == nil {
		return nil
	}
	return a.logger.LogContext(ctx, event, AuditSeverity(severity), fields)
}
