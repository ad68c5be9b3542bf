package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/delivery"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

// ErrPersist means the reply went out but the transcript write failed.
// Retrying would send the reply twice.
var ErrPersist = errors.New("dispatch: transcript write failed after reply")

// Decider produces the output records of a turn.
type Decider interface {
	Decide(ctx context.Context, turns []ai.Turn, conversationID string) ([]transcript.Record, error)
}

type Dispatcher struct {
	transcripts transcript.Store
	decider     Decider
	sender      delivery.Sender
	contextSize int
	logger      *slog.Logger
}

func New(transcripts transcript.Store, decider Decider, sender delivery.Sender, contextSize int, logger *slog.Logger) *Dispatcher {
	if contextSize <= 0 {
		contextSize = 80
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		transcripts: transcripts,
		decider:     decider,
		sender:      sender,
		contextSize: contextSize,
		logger:      logger.With("component", "dispatch"),
	}
}

// Execute answers the coalesced text of one conversation window. Nothing is
// sent or written when the decider fails.
func (d *Dispatcher) Execute(ctx context.Context, conversationID, text string) error {
	history, err := d.transcripts.Recent(ctx, conversationID, d.contextSize)
	if err != nil {
		return fmt.Errorf("dispatch: load context: %w", err)
	}

	userTurn, storedText := UserTurn(text)
	turns := append(transcript.ToTurns(history), userTurn)

	outputs, err := d.decider.Decide(ctx, turns, conversationID)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	reply := ReplyText(outputs)
	if reply == "" {
		d.logger.Warn("empty reply, nothing sent", "conversation_id", conversationID)
	} else if err := d.sender.Send(ctx, conversationID, reply); err != nil {
		d.logger.Error("reply delivery failed", "conversation_id", conversationID, "error", err)
	}

	records := make([]transcript.Record, 0, len(outputs)+1)
	records = append(records, transcript.User(conversationID, storedText))
	for _, r := range outputs {
		r.ConversationID = conversationID
		records = append(records, r)
	}

	if _, err := d.transcripts.AppendMany(ctx, records); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	d.logger.Info("turn dispatched",
		"conversation_id", conversationID,
		"records", len(records),
		"context", len(history))
	return nil
}

// ReplyText joins the assistant records into the text the user sees.
func ReplyText(records []transcript.Record) string {
	var parts []string
	for _, r := range records {
		if r.Role != transcript.RoleAssistant {
			continue
		}
		if s := strings.TrimSpace(r.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ". ")
}
