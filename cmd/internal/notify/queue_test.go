package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueName, Type: task.Type()}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueueNotifier_EnqueuesTask(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{}
	qn, err := NewQueueNotifier(q, discardLogger())
	if err != nil {
		t.Fatalf("NewQueueNotifier: %v", err)
	}
	if err := qn.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(q.tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(q.tasks))
	}
	task := q.tasks[0]
	if task.Type() != TypeMessageNotification {
		t.Fatalf("task type=%q", task.Type())
	}
	var n Notification
	if err := json.Unmarshal(task.Payload(), &n); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if n != testNotification() {
		t.Fatalf("payload mismatch: %+v", n)
	}
}

func TestQueueNotifier_Errors(t *testing.T) {
	t.Parallel()

	qn, _ := NewQueueNotifier(&fakeEnqueuer{err: errors.New("redis down")}, discardLogger())
	if err := qn.Notify(context.Background(), testNotification()); err == nil {
		t.Fatalf("expected enqueue error")
	}
	if err := qn.Notify(context.Background(), Notification{}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := NewQueueNotifier(nil, nil); err == nil {
		t.Fatalf("expected error for nil enqueuer")
	}
}

func TestTaskHandler(t *testing.T) {
	t.Parallel()

	tokens := fakeTokens{"user-b": "tok-b", "user-c": ""}
	payload := func(n Notification) []byte {
		b, _ := json.Marshal(n)
		return b
	}

	t.Run("delivers", func(t *testing.T) {
		t.Parallel()
		p := &fakePusher{}
		h := NewTaskHandler(tokens, p, discardLogger())
		err := h.ProcessTask(context.Background(), asynq.NewTask(TypeMessageNotification, payload(testNotification())))
		if err != nil {
			t.Fatalf("ProcessTask: %v", err)
		}
		if len(p.calls) != 1 || p.calls[0] != "tok-b" {
			t.Fatalf("unexpected pushes: %v", p.calls)
		}
	})

	t.Run("no token skips retry", func(t *testing.T) {
		t.Parallel()
		n := testNotification()
		n.RecipientUserID = "user-c"
		h := NewTaskHandler(tokens, &fakePusher{}, discardLogger())
		err := h.ProcessTask(context.Background(), asynq.NewTask(TypeMessageNotification, payload(n)))
		if !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("expected SkipRetry, got %v", err)
		}
	})

	t.Run("bad payload skips retry", func(t *testing.T) {
		t.Parallel()
		h := NewTaskHandler(tokens, &fakePusher{}, discardLogger())
		err := h.ProcessTask(context.Background(), asynq.NewTask(TypeMessageNotification, []byte("{")))
		if !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("expected SkipRetry, got %v", err)
		}
	})

	t.Run("push failure is retried", func(t *testing.T) {
		t.Parallel()
		h := NewTaskHandler(tokens, &fakePusher{err: ErrPushRejected}, discardLogger())
		err := h.ProcessTask(context.Background(), asynq.NewTask(TypeMessageNotification, payload(testNotification())))
		if err == nil || errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("expected retryable error, got %v", err)
		}
	})
}

func TestParseRedisURL(t *testing.T) {
	t.Parallel()

	if _, err := ParseRedisURL(""); err == nil {
		t.Fatalf("expected error for empty url")
	}
	opt, err := ParseRedisURL("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("ParseRedisURL: %v", err)
	}
	if c, ok := opt.(asynq.RedisClientOpt); !ok || c.Addr != "localhost:6379" || c.DB != 2 {
		t.Fatalf("unexpected opt: %#v", opt)
	}
}
