package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Vovarama1992/lead-reply-bridge/internal/buffer"
	"github.com/Vovarama1992/lead-reply-bridge/internal/metrics"
)

// ErrValidation marks input that can never be buffered. It is not retried.
var ErrValidation = errors.New("ingest: invalid fragment")

// Gate appends inbound fragments to the buffer and extends the window.
type Gate struct {
	store   buffer.Store
	window  time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewGate(store buffer.Store, window time.Duration, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:   store,
		window:  window,
		metrics: m,
		logger:  logger.With("component", "ingest"),
	}
}

// Ingest returns the time left until the conversation's window closes.
func (g *Gate) Ingest(ctx context.Context, conversationID, fragment string) (time.Duration, error) {
	conversationID = strings.TrimSpace(conversationID)
	fragment = strings.TrimSpace(fragment)
	if conversationID == "" || fragment == "" {
		g.logger.Warn("fragment ignored", "conversation_id", conversationID, "empty_text", fragment == "")
		return 0, fmt.Errorf("%w: conversation id and text are required", ErrValidation)
	}

	ttl, err := g.store.UpsertAndExtend(ctx, conversationID, fragment, g.window)
	if err != nil {
		g.metrics.IncIngestFailures()
		g.logger.Error("buffer upsert failed", "conversation_id", conversationID, "error", err)
		return 0, err
	}

	g.metrics.IncFragments()
	g.logger.Debug("fragment buffered", "conversation_id", conversationID, "expires_in", ttl)
	return ttl, nil
}

func (g *Gate) Snapshot(ctx context.Context) (map[string]buffer.Entry, error) {
	return g.store.ScanAll(ctx)
}

func (g *Gate) Purge(ctx context.Context, conversationIDs []string) error {
	return g.store.DeleteMany(ctx, conversationIDs)
}
