package followup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
	"github.com/Vovarama1992/lead-reply-bridge/internal/buffer"
	"github.com/Vovarama1992/lead-reply-bridge/internal/drainer"
	"github.com/Vovarama1992/lead-reply-bridge/internal/transcript"
)

type backendFunc func(ctx context.Context, req ai.Request) (*ai.Response, error)

func (f backendFunc) Respond(ctx context.Context, req ai.Request) (*ai.Response, error) {
	return f(ctx, req)
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string]string
	err  error
}

func (s *fakeSender) Send(_ context.Context, conversationID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.sent == nil {
		s.sent = map[string]string{}
	}
	s.sent[conversationID] = text
	return nil
}

var t0 = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) *transcript.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := transcript.NewMemoryStore()
	at := t0
	store.SetClock(func() time.Time { return at })

	add := func(conv string, role transcript.Role, content string) {
		_, err := store.Append(ctx, conv, role, content)
		require.NoError(t, err)
	}

	add("stale", transcript.RoleUser, "is the flat available?")
	add("stale", transcript.RoleAssistant, "Yes! Would you like to visit?")

	add("user-last", transcript.RoleAssistant, "Hello")
	add("user-last", transcript.RoleUser, "hold on")

	add("tooled", transcript.RoleUser, "call me")
	add("tooled", transcript.RoleFunctionCall, `{"call_id":"c1","name":"notify_new_lead","arguments":"{}"}`)
	add("tooled", transcript.RoleAssistant, "The team will call you")

	at = t0.Add(4 * time.Hour)
	add("fresh", transcript.RoleAssistant, "Anything else?")

	return store
}

func newJob(store Store, backend ai.Backend, sender *fakeSender) *Job {
	return NewJob(store, backend, sender, Options{
		After:  5 * time.Hour,
		Window: time.Hour,
		Now:    func() time.Time { return t0.Add(5*time.Hour + 30*time.Minute) },
	})
}

func TestRunOnce_NudgesStaleConversationOnce(t *testing.T) {
	store := seed(t)
	var input []ai.Turn
	backend := backendFunc(func(_ context.Context, req ai.Request) (*ai.Response, error) {
		input = req.Input
		return &ai.Response{Outputs: []ai.Output{{Type: ai.OutputMessage, Status: ai.StatusCompleted, Text: "Still thinking about the visit?"}}}, nil
	})
	sender := &fakeSender{}
	job := newJob(store, backend, sender)

	n, err := job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]string{"stale": "Still thinking about the visit?"}, sender.sent)

	require.Len(t, input, 3)
	assert.Equal(t, ai.RoleUser, input[2].Role)
	assert.True(t, strings.Contains(input[2].Text, "5 hours"), input[2].Text)

	recent, err := store.Recent(context.Background(), "stale", 0)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, transcript.RoleUser, recent[2].Role)
	assert.Equal(t, "Still thinking about the visit?", recent[3].Content)

	n, err = job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnce_FailureLeavesConversationEligible(t *testing.T) {
	store := seed(t)
	backend := backendFunc(func(context.Context, ai.Request) (*ai.Response, error) {
		return &ai.Response{Outputs: []ai.Output{{Type: ai.OutputMessage, Status: ai.StatusCompleted, Text: "hi"}}}, nil
	})
	sender := &fakeSender{err: errors.New("chat api down")}

	n, err := newJob(store, backend, sender).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	ids, err := store.StaleConversations(context.Background(), t0.Add(-30*time.Minute), t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)
}

func TestRunOnce_EmptyGeneration(t *testing.T) {
	store := seed(t)
	backend := backendFunc(func(context.Context, ai.Request) (*ai.Response, error) {
		return &ai.Response{}, nil
	})
	sender := &fakeSender{}

	n, err := newJob(store, backend, sender).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sender.sent)
}

func newGuardedJob(store Store, backend ai.Backend, sender *fakeSender, buf buffer.Store) *Job {
	d := drainer.New(buf, nil, drainer.Options{})
	return NewJob(store, backend, sender, Options{
		After:    5 * time.Hour,
		Window:   time.Hour,
		Activity: d,
		Now:      func() time.Time { return t0.Add(5*time.Hour + 30*time.Minute) },
	})
}

func replyWith(text string) ai.Backend {
	return backendFunc(func(context.Context, ai.Request) (*ai.Response, error) {
		return &ai.Response{Outputs: []ai.Output{{Type: ai.OutputMessage, Status: ai.StatusCompleted, Text: text}}}, nil
	})
}

func TestRunOnce_SkipsConversationWithBufferedReply(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	buf := buffer.NewMemoryStore()
	_, err := buf.UpsertAndExtend(ctx, "stale", "yes, tomorrow works", 5*time.Second)
	require.NoError(t, err)

	sender := &fakeSender{}
	n, err := newGuardedJob(store, replyWith("Are you still there?"), sender, buf).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sender.sent)

	recent, err := store.Recent(ctx, "stale", 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2, "nothing written for a skipped conversation")

	e, ok, err := buf.Get(ctx, "stale")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "yes, tomorrow works", e.PendingText)
}

func TestRunOnce_SkipsWhenReplyArrivesDuringGeneration(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	buf := buffer.NewMemoryStore()

	backend := backendFunc(func(context.Context, ai.Request) (*ai.Response, error) {
		_, err := buf.UpsertAndExtend(ctx, "stale", "sorry, was busy", 5*time.Second)
		require.NoError(t, err)
		return &ai.Response{Outputs: []ai.Output{{Type: ai.OutputMessage, Status: ai.StatusCompleted, Text: "Are you still there?"}}}, nil
	})
	sender := &fakeSender{}

	n, err := newGuardedJob(store, backend, sender, buf).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sender.sent)
}

func TestRunOnce_GuardedJobNudgesIdleConversation(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	sender := &fakeSender{}

	n, err := newGuardedJob(store, replyWith("Still interested?"), sender, buffer.NewMemoryStore()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]string{"stale": "Still interested?"}, sender.sent)
}

func TestPlainDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Hour, "5 hours"},
		{time.Hour, "1 hour"},
		{90 * time.Minute, "90 minutes"},
		{time.Minute, "1 minute"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, plainDuration(tt.in))
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	job := newJob(transcript.NewMemoryStore(), nil, &fakeSender{})
	err := NewScheduler(job, "every tuesday", time.Minute, nil).Start(context.Background())
	assert.Error(t, err)
}

func TestScheduler_StopsWithContext(t *testing.T) {
	job := newJob(transcript.NewMemoryStore(), nil, &fakeSender{})
	s := NewScheduler(job, "*/10 * * * *", time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
