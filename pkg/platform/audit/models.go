package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose so sinks can
// route and retain them differently.
type EventCategory string

const (
	// CategorySecurity covers access denials and failed teardown steps that
	// feed security monitoring.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine session lifecycle activity.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from gateway logic to capture key actions. It stays
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory     `json:"category"`
	Timestamp time.Time         `json:"timestamp"`
	Subject   string            `json:"subject,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Action    string            `json:"action"`
	Decision  string            `json:"decision,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Path      string            `json:"path,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

type AuditEvent string

const (
	EventSessionCreated        AuditEvent = "session_created"
	EventLoginFailed           AuditEvent = "login_failed"
	EventLogoutCompleted       AuditEvent = "logout_completed"
	EventTokenRevocationFailed AuditEvent = "token_revocation_failed"
	EventTokenRefreshed        AuditEvent = "token_refreshed"
	EventTokenRefreshFailed    AuditEvent = "token_refresh_failed"
	EventAccessDenied          AuditEvent = "access_denied"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventLoginFailed:           CategorySecurity,
	EventTokenRevocationFailed: CategorySecurity,
	EventTokenRefreshFailed:    CategorySecurity,
	EventAccessDenied:          CategorySecurity,

	EventSessionCreated:  CategoryOperations,
	EventLogoutCompleted: CategoryOperations,
	EventTokenRefreshed:  CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists or forwards audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Emitter is what gateway components depend on to record events.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}
