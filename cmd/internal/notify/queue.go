package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// TypeMessageNotification is the asynq task type for new-message pushes.
	TypeMessageNotification = "notify:message"

	// QueueName is the asynq queue notification tasks are enqueued on.
	QueueName = "notify"

	defaultMaxRetry    = 5
	defaultTaskTimeout = 30 * time.Second
)

// Enqueuer is the subset of *asynq.Client used by QueueNotifier.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueNotifier enqueues notifications for a Worker to deliver.
type QueueNotifier struct {
	q        Enqueuer
	queue    string
	maxRetry int
	log      *slog.Logger
}

// NewQueueNotifier constructs a QueueNotifier on q.
func NewQueueNotifier(q Enqueuer, log *slog.Logger) (*QueueNotifier, error) {
	if q == nil {
		return nil, errors.New("notify: nil enqueuer")
	}
	if log == nil {
		log = slog.Default()
	}
	return &QueueNotifier{q: q, queue: QueueName, maxRetry: defaultMaxRetry, log: log}, nil
}

// Notify enqueues n. Each call gets a fresh task id so retried sends never collapse.
func (qn *QueueNotifier) Notify(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: encode task: %w", err)
	}

	taskID := uuid.NewString()
	info, err := qn.q.EnqueueContext(ctx,
		asynq.NewTask(TypeMessageNotification, payload),
		asynq.TaskID(taskID),
		asynq.Queue(qn.queue),
		asynq.MaxRetry(qn.maxRetry),
		asynq.Timeout(defaultTaskTimeout),
	)
	if err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}

	id := taskID
	if info != nil && info.ID != "" {
		id = info.ID
	}
	qn.log.DebugContext(ctx, "notify.enqueue", "task_id", id, "conversation_id", n.ConversationID)
	return nil
}

// NewTaskHandler returns the asynq handler that delivers queued notifications.
// Tasks whose recipient has no push token, or whose payload is malformed, are not retried.
func NewTaskHandler(tokens TokenLookup, pusher Pusher, log *slog.Logger) asynq.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var n Notification
		if err := json.Unmarshal(t.Payload(), &n); err != nil {
			return fmt.Errorf("notify: decode task: %v: %w", err, asynq.SkipRetry)
		}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		err := deliver(ctx, tokens, pusher, n)
		switch {
		case err == nil:
			log.InfoContext(ctx, "notify.push.ok", "recipient_user_id", n.RecipientUserID, "conversation_id", n.ConversationID)
			return nil
		case errors.Is(err, ErrNoPushToken):
			log.InfoContext(ctx, "notify.push.skip", "recipient_user_id", n.RecipientUserID, "reason", "no_push_token")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			return err
		}
	}
}

// WorkerConfig tunes the notification worker.
type WorkerConfig struct {
	Concurrency int
}

// Worker runs an asynq server that processes notification tasks.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	log *slog.Logger
}

// NewWorker constructs a Worker bound to redis and dispatching tasks to h.
func NewWorker(redis asynq.RedisConnOpt, cfg WorkerConfig, h asynq.Handler, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueName: 1},
		Logger:      asynqLogger{log: log.With("component", "asynq")},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.WarnContext(ctx, "notify.push.fail", "task_type", task.Type(), "retry", retried, "max_retry", maxRetry, "err", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeMessageNotification, h)
	return &Worker{srv: srv, mux: mux, log: log}
}

// Run starts processing and blocks until ctx is cancelled, then shuts down gracefully.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("notify: start worker: %w", err)
	}
	w.log.Info("notify.worker.start", "queue", QueueName)
	<-ctx.Done()
	w.srv.Shutdown()
	w.log.Info("notify.worker.stop")
	return nil
}

// ParseRedisURL converts a redis:// URL into asynq connection options.
func ParseRedisURL(url string) (asynq.RedisConnOpt, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("notify: missing redis url")
	}
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	return opt, nil
}

type asynqLogger struct {
	log *slog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
