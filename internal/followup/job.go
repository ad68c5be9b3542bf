package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/delivery"
	"github.com/Vovarama1992/lead-reply-bridge/internal/metrics"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

const (
	nudgePrompt = "More than %s have passed without a reply from the customer. " +
		"Write the follow-up message that will be sent to them."

	nudgeInstructions = "Write a follow-up message for a customer who stopped replying. " +
		"Answer with the raw message text only, without explanations. " +
		"Keep it friendly and inviting, encouraging them to pick the conversation back up."
)

// errBusy means the customer has text buffered or being answered.
var errBusy = errors.New("conversation has pending work")

// Activity exposes the live pipeline state of a conversation. The transcript
// only shows answered turns; text still in the debounce buffer or in a running
// dispatch means the customer already replied.
type Activity interface {
	// Reserve keeps the drainer away from conversationID until release is
	// called. ok is false when the conversation has pending work.
	Reserve(ctx context.Context, conversationID string) (release func(), ok bool, err error)
	Pending(ctx context.Context, conversationID string) (bool, error)
}

// Store is the part of the transcript the job reads and writes.
type Store interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]transcript.Record, error)
	AppendMany(ctx context.Context, records []transcript.Record) ([]transcript.Record, error)
	StaleConversations(ctx context.Context, from, to time.Time) ([]string, error)
	MarkFollowedUp(ctx context.Context, conversationID string) error
}

type Options struct {
	Model       string
	After       time.Duration
	Window      time.Duration
	ContextSize int
	Activity    Activity
	Now         func() time.Time
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Job nudges conversations whose last assistant reply went unanswered for
// After, once per conversation.
type Job struct {
	store       Store
	backend     ai.Backend
	sender      delivery.Sender
	model       string
	after       time.Duration
	window      time.Duration
	contextSize int
	activity    Activity
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewJob(store Store, backend ai.Backend, sender delivery.Sender, opts Options) *Job {
	if opts.After <= 0 {
		opts.After = 5 * time.Hour
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.ContextSize <= 0 {
		opts.ContextSize = 80
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Job{
		store:       store,
		backend:     backend,
		sender:      sender,
		model:       opts.Model,
		after:       opts.After,
		window:      opts.Window,
		contextSize: opts.ContextSize,
		activity:    opts.Activity,
		now:         opts.Now,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "followup"),
	}
}

// RunOnce nudges every stale conversation and returns how many were sent.
// A failure on one conversation does not stop the others.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	to := j.now().Add(-j.after)
	from := to.Add(-j.window)

	ids, err := j.store.StaleConversations(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("followup: stale conversations: %w", err)
	}
	if len(ids) == 0 {
		j.logger.Debug("no stale conversations")
		return 0, nil
	}

	sent := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		err := j.nudge(ctx, id)
		if errors.Is(err, errBusy) {
			j.metrics.IncFollowup("skipped")
			j.logger.Debug("follow-up skipped, customer replied", "conversation_id", id)
			continue
		}
		if err != nil {
			j.metrics.IncFollowup("failed")
			j.logger.Error("follow-up failed", "conversation_id", id, "error", err)
			continue
		}
		j.metrics.IncFollowup("sent")
		sent++
	}

	j.logger.Info("follow-up pass done", "candidates", len(ids), "sent", sent)
	return sent, nil
}

func (j *Job) nudge(ctx context.Context, conversationID string) error {
	if j.activity != nil {
		release, ok, err := j.activity.Reserve(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		if !ok {
			return errBusy
		}
		defer release()
	}

	history, err := j.store.Recent(ctx, conversationID, j.contextSize)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}

	prompt := transcript.User(conversationID, fmt.Sprintf(nudgePrompt, plainDuration(j.after)))
	input := append(transcript.ToTurns(history), prompt.Turn())

	resp, err := j.backend.Respond(ctx, ai.Request{
		Model:        j.model,
		Instructions: nudgeInstructions,
		Input:        input,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	text := strings.TrimSpace(strings.Join(resp.Texts(), ". "))
	if text == "" {
		return errors.New("generate: empty message")
	}

	// the reservation keeps the drainer off; fragments still land in the buffer
	if j.activity != nil {
		pending, err := j.activity.Pending(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("pending: %w", err)
		}
		if pending {
			return errBusy
		}
	}

	if err := j.sender.Send(ctx, conversationID, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	// marked right after sending so a later write failure cannot nudge twice
	if err := j.store.MarkFollowedUp(ctx, conversationID); err != nil {
		return fmt.Errorf("mark: %w", err)
	}

	if _, err := j.store.AppendMany(ctx, []transcript.Record{
		prompt,
		transcript.Assistant(conversationID, text),
	}); err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	j.logger.Info("follow-up sent", "conversation_id", conversationID)
	return nil
}

// plainDuration renders d the way it reads in a chat prompt: "5 hours",
// "1 hour", "90 minutes".
func plainDuration(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return plural(int(d/time.Hour), "hour")
	}
	return plural(int(d.Round(time.Minute)/time.Minute), "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
