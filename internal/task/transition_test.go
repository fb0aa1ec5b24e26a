package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []Status{StatusPending, StatusRunning, StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusCancelled}: true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusCancelled}: true,
		{StatusRunning, StatusRetrying}:  true,
		{StatusRetrying, StatusPending}:  true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.True(t, CanTransitionAdmin(StatusFailed, StatusPending))
	assert.True(t, CanTransitionAdmin(StatusCancelled, StatusPending))
	assert.False(t, CanTransitionAdmin(StatusCompleted, StatusPending))
	assert.False(t, CanTransition(StatusFailed, StatusPending))
}

func TestTransition_Timestamps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tk := &Task{ID: "t", Status: StatusPending}

	require.NoError(t, transition(ctx, tk, StatusRunning, now, transitionOpts{}))
	require.NotNil(t, tk.StartedAt)
	assert.Equal(t, now, *tk.StartedAt)
	assert.Nil(t, tk.CompletedAt)

	later := now.Add(time.Minute)
	require.NoError(t, transition(ctx, tk, StatusRetrying, later, transitionOpts{}))
	assert.Equal(t, now, *tk.StartedAt, "started_at only written on entering running")
	require.NoError(t, transition(ctx, tk, StatusPending, later, transitionOpts{}))
	require.NoError(t, transition(ctx, tk, StatusRunning, later, transitionOpts{}))
	require.NoError(t, transition(ctx, tk, StatusFailed, later, transitionOpts{}))
	require.NotNil(t, tk.CompletedAt)
	assert.Equal(t, later, *tk.CompletedAt)
	assert.Equal(t, later, tk.UpdatedAt)

	err := transition(ctx, tk, StatusPending, later, transitionOpts{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusFailed, tk.Status, "rejected move leaves the task untouched")

	require.NoError(t, transition(ctx, tk, StatusPending, later, transitionOpts{admin: true}))
	assert.Nil(t, tk.StartedAt)
	assert.Nil(t, tk.CompletedAt)
}

func TestTask_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Task {
		return &Task{Type: TypeSync, Priority: 5, Status: StatusPending, Payload: []byte(`{"a":1}`)}
	}

	tests := []struct {
		name   string
		mutate func(*Task)
		want   error
	}{
		{name: "valid", mutate: func(*Task) {}},
		{name: "missing type", mutate: func(t *Task) { t.Type = "" }, want: ErrInvalidType},
		{name: "priority too low", mutate: func(t *Task) { t.Priority = 0 }, want: ErrInvalidPriority},
		{name: "priority too high", mutate: func(t *Task) { t.Priority = 11 }, want: ErrInvalidPriority},
		{name: "negative retries", mutate: func(t *Task) { t.MaxRetries = -1 }, want: ErrInvalidMaxRetries},
		{name: "bad payload", mutate: func(t *Task) { t.Payload = []byte(`{`) }, want: ErrInvalidPayload},
		{name: "unknown status", mutate: func(t *Task) { t.Status = "paused" }, want: ErrInvalidTransition},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tk := valid()
			tc.mutate(tk)
			err := tk.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTask_Expired(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)

	assert.False(t, (&Task{Status: StatusPending}).Expired(now))
	assert.True(t, (&Task{Status: StatusPending, ExpiresAt: &past}).Expired(now))
	assert.True(t, (&Task{Status: StatusPending, ExpiresAt: &now}).Expired(now))
	assert.False(t, (&Task{Status: StatusCompleted, ExpiresAt: &past}).Expired(now))
}

func TestRouter(t *testing.T) {
	t.Parallel()
	r := DefaultRouter()

	tests := []struct {
		task Task
		want string
	}{
		{Task{Type: TypeSync, Priority: 9}, QueueHighPriority},
		{Task{Type: TypeSync, Priority: 2}, QueueLowPriority},
		{Task{Type: TypeSync, Priority: 5}, QueueSync},
		{Task{Type: TypeBatchProcess, Priority: 5}, QueueBatch},
		{Task{Type: TypeNotification, Priority: 5}, QueueDefault},
		{Task{Type: TypeSync, Priority: 9, QueueName: "custom"}, "custom"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, r.Route(&tc.task))
	}
}
