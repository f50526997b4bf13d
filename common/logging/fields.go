package logging

import "log/slog"

// Common field names for consistent logging across services.
const (
	FieldService  = "service"
	FieldEventID  = "event_id"
	FieldHostID   = "host_id"
	FieldTicketID = "ticket_id"
	FieldBatchID  = "batch_id"
	FieldRunID    = "run_id"
	FieldAttempt  = "attempt"
	FieldMethod   = "method"
	FieldPath     = "path"
	FieldStatus   = "status"
	FieldDuration = "duration_ms"
	FieldError    = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// EventID returns a slog attribute for a telemetry event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// HostID returns a slog attribute for the originating host.
func HostID(id string) slog.Attr {
	return slog.String(FieldHostID, id)
}

// TicketID returns a slog attribute for an incident ticket ID.
func TicketID(id string) slog.Attr {
	return slog.String(FieldTicketID, id)
}

// BatchID returns a slog attribute for a classification batch ID.
func BatchID(id string) slog.Attr {
	return slog.String(FieldBatchID, id)
}

// RunID returns a slog attribute for a pipeline run ID.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
