package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veristone/keystone/internal/models"
)

const (
	eventChannelPrefix    = "keystone:events:"
	conflictChannelPrefix = "keystone:conflicts:"
)

// Event is the payload published for record changes.
type Event struct {
	Action        string         `json:"action"`
	Module        string         `json:"module"`
	Entity        string         `json:"entity"`
	Record        *models.Record `json:"record"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	EmittedAt     time.Time      `json:"emitted_at"`
}

// ConflictEvent is the payload pushed to the losing writer's connection
// channel on a version conflict.
type ConflictEvent struct {
	Module    string         `json:"module"`
	Entity    string         `json:"entity"`
	RecordID  uuid.UUID      `json:"record_id"`
	Latest    *models.Record `json:"latest_record"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// RedisSink publishes change events over redis pub/sub. Entity-wide events
// go to keystone:events:<module>:<entity>; conflict payloads go to the
// losing connection's own channel.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink connects to redis and verifies the connection.
func NewRedisSink(redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisSink{client: client}, nil
}

// NewRedisSinkWithClient creates a sink from an existing redis client.
func NewRedisSinkWithClient(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

// Close releases the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func eventChannel(module, entity string) string {
	return eventChannelPrefix + module + ":" + entity
}

func conflictChannel(connectionID string) string {
	return conflictChannelPrefix + connectionID
}

func (s *RedisSink) publish(ctx context.Context, channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: marshal event: %v", err)
		return
	}
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		log.Printf("notify: publish to %s: %v", channel, err)
	}
}

func (s *RedisSink) emit(ctx context.Context, action, module, entity string, rec *models.Record, changed []string) {
	s.publish(ctx, eventChannel(module, entity), Event{
		Action:        action,
		Module:        module,
		Entity:        entity,
		Record:        rec,
		ChangedFields: changed,
		EmittedAt:     time.Now().UTC(),
	})
}

func (s *RedisSink) RecordCreated(ctx context.Context, module, entity string, rec *models.Record) {
	s.emit(ctx, ActionCreated, module, entity, rec, nil)
}

func (s *RedisSink) RecordUpdated(ctx context.Context, module, entity string, rec *models.Record, changedFields []string) {
	s.emit(ctx, ActionUpdated, module, entity, rec, changedFields)
}

func (s *RedisSink) RecordDeleted(ctx context.Context, module, entity string, rec *models.Record) {
	s.emit(ctx, ActionDeleted, module, entity, rec, nil)
}

func (s *RedisSink) RecordRestored(ctx context.Context, module, entity string, rec *models.Record) {
	s.emit(ctx, ActionRestored, module, entity, rec, nil)
}

func (s *RedisSink) Conflict(ctx context.Context, module, entity, connectionID string, recordID uuid.UUID, latest *models.Record) {
	if connectionID == "" {
		return
	}
	s.publish(ctx, conflictChannel(connectionID), ConflictEvent{
		Module:    module,
		Entity:    entity,
		RecordID:  recordID,
		Latest:    latest,
		EmittedAt: time.Now().UTC(),
	})
}
