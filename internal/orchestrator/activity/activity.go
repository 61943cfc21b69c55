// Package activity is the append-only audit trail: command intents, outcomes
// and session events, persisted per owner and broadcast to dashboards.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/internal/events/bus"
	"github.com/bastion-dev/bastion/internal/orchestrator/dashboard"
	"github.com/bastion-dev/bastion/internal/store"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

// Log appends audit records and keeps the per-owner retention bound.
type Log struct {
	store  store.Store
	hub    *dashboard.Hub
	bus    bus.EventBus
	retain int
	cron   *cron.Cron
	logger *logger.Logger

	// ownersTouched tracks owners with appends since the last trim pass.
	touched chan string
}

func New(st store.Store, hub *dashboard.Hub, eventBus bus.EventBus, retain int, log *logger.Logger) *Log {
	return &Log{
		store:   st,
		hub:     hub,
		bus:     eventBus,
		retain:  retain,
		cron:    cron.New(),
		logger:  log.WithFields(zap.String("component", "activity")),
		touched: make(chan string, 1024),
	}
}

// Record appends one entry, broadcasts it to the owner's dashboards, and
// publishes it on the event bus. Persistence failure is logged, not fatal:
// the audit trail must never block command flow.
func (l *Log) Record(ctx context.Context, ownerID, nodeID, entryType, status, details string) {
	rec := &store.ActivityRecord{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		NodeID:    nodeID,
		Type:      entryType,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.AppendActivity(ctx, rec); err != nil {
		l.logger.Error("Failed to persist activity record",
			zap.String("owner_id", ownerID),
			zap.String("type", entryType),
			zap.Error(err))
	} else {
		select {
		case l.touched <- ownerID:
		default:
		}
	}

	entry := protocol.AuditEntry{
		OwnerID:   ownerID,
		NodeID:    nodeID,
		Type:      entryType,
		Status:    status,
		Details:   details,
		Timestamp: rec.CreatedAt,
	}
	l.hub.BroadcastToOwner(ownerID, protocol.TypeAuditUpdate, entry)

	event := bus.NewEvent(entryType, "activity", map[string]interface{}{
		"owner_id": ownerID,
		"node_id":  nodeID,
		"status":   status,
		"details":  details,
	})
	if err := l.bus.Publish(ctx, bus.SubjectAudit, event); err != nil {
		l.logger.Debug("Failed to publish audit event", zap.Error(err))
	}
}

// Recent returns the newest records for an owner, newest first.
func (l *Log) Recent(ctx context.Context, ownerID string, limit int) ([]*store.ActivityRecord, error) {
	if limit <= 0 || limit > l.retain {
		limit = l.retain
	}
	return l.store.ListActivityByOwner(ctx, ownerID, limit)
}

// StartTrimmer schedules the retention pass over owners with recent appends.
func (l *Log) StartTrimmer() error {
	_, err := l.cron.AddFunc("@every 5m", l.trimTouched)
	if err != nil {
		return err
	}
	l.cron.Start()
	return nil
}

func (l *Log) trimTouched() {
	owners := map[string]bool{}
	for {
		select {
		case owner := <-l.touched:
			owners[owner] = true
		default:
			for owner := range owners {
				if err := l.store.TrimActivity(context.Background(), owner, l.retain); err != nil {
					l.logger.Error("Activity trim failed",
						zap.String("owner_id", owner),
						zap.Error(err))
				}
			}
			return
		}
	}
}

// Stop halts the trimmer.
func (l *Log) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
}
