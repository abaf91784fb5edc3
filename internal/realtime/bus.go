package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// Bus fans messages out to every registered session.
type Bus struct {
	registry *Registry
	logger   pslog.Logger
	metrics  *realtimeMetrics
}

// NewBus returns a bus delivering to registry's sessions.
func NewBus(registry *Registry, logger pslog.Logger) *Bus {
	logger = svcfields.WithSubsystem(logger, "realtime.bus")
	return &Bus{registry: registry, logger: logger, metrics: newRealtimeMetrics(logger)}
}

// Broadcast serialises msg once and sends it to every live session,
// including the one whose action triggered it. Delivery is best effort:
// failures are logged per recipient and never returned.
func (b *Bus) Broadcast(msg api.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("realtime.broadcast.encode_error", "type", msg.MessageType(), "error", err)
		return
	}
	recipients := b.registry.Conns()
	var wg sync.WaitGroup
	for _, conn := range recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Send(payload); err != nil {
				b.metrics.recordSendFailure(context.Background())
				b.logger.Debug("realtime.broadcast.send_error", svcfields.ConnKey, conn.ID(), "error", err)
			}
		}()
	}
	wg.Wait()
	b.metrics.recordBroadcast(context.Background(), string(msg.MessageType()))
	b.logger.Trace("realtime.broadcast.complete", "type", msg.MessageType(), "recipients", len(recipients))
}

// EntityChanged broadcasts an EntityUpdate.
func (b *Bus) EntityChanged(user, entityType string, primaryKey []string, deleted bool) {
	b.Broadcast(api.EntityUpdate{User: user, EntityType: entityType, PrimaryKey: primaryKey, Deleted: deleted})
}

// StatusChanged broadcasts a StatusUpdate.
func (b *Bus) StatusChanged(user string, status api.UserStatus) {
	b.Broadcast(api.StatusUpdate{User: user, Status: status})
}
