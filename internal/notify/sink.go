// Package notify defines the change-notification contract of the record
// core and a redis-backed implementation. Delivery to connected clients is
// someone else's job; the core only emits.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/veristone/keystone/internal/models"
)

// Event actions published on the entity channels.
const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionDeleted  = "deleted"
	ActionRestored = "restored"
)

// Sink receives change events from the record core. Implementations must
// not block the write path; failures are delivery problems, not write
// failures, so none of these methods return an error.
type Sink interface {
	RecordCreated(ctx context.Context, module, entity string, rec *models.Record)
	RecordUpdated(ctx context.Context, module, entity string, rec *models.Record, changedFields []string)
	RecordDeleted(ctx context.Context, module, entity string, rec *models.Record)
	RecordRestored(ctx context.Context, module, entity string, rec *models.Record)

	// Conflict notifies the losing writer's live connection that its update
	// was rejected, carrying the latest record so the client can react
	// without polling.
	Conflict(ctx context.Context, module, entity, connectionID string, recordID uuid.UUID, latest *models.Record)
}

// NopSink discards every event. Used when no notification transport is
// configured.
type NopSink struct{}

func (NopSink) RecordCreated(context.Context, string, string, *models.Record)            {}
func (NopSink) RecordUpdated(context.Context, string, string, *models.Record, []string)  {}
func (NopSink) RecordDeleted(context.Context, string, string, *models.Record)            {}
func (NopSink) RecordRestored(context.Context, string, string, *models.Record)           {}
func (NopSink) Conflict(context.Context, string, string, string, uuid.UUID, *models.Record) {
}
