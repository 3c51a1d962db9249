// Package service composes the ledger and orchestrator with the surrounding
// infrastructure: signal bus fan-out, Postgres mirroring, audit logging, and
// operator notifications. Services own the side effects; the ledger stays
// pure protocol state.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// publish marshals the event and delivers it on both the pub/sub channel and
// the durable stream of the same name. Failures are logged and swallowed; the
// bus never gates a ledger operation.
func publish(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, channel string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.WarnContext(ctx, "service: marshal event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := bus.Publish(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "service: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := bus.StreamAppend(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "service: stream append failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// auditLog writes an audit entry, logging and swallowing failures.
func auditLog(ctx context.Context, audit domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if err := audit.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// mirrorPosition upserts a ledger snapshot into the durable archive, logging
// and swallowing failures. The in-memory ledger remains authoritative.
func mirrorPosition(ctx context.Context, archive domain.PositionArchive, logger *slog.Logger, pos domain.Position) {
	if err := archive.Upsert(ctx, pos); err != nil {
		logger.WarnContext(ctx, "service: archive upsert failed",
			slog.Uint64("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}
