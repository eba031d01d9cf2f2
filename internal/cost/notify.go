package cost

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/quarrier/internal/storage"
)

// Sink delivers a fired budget alert's payload to a single named
// notification sink (a webhook URL, a Slack channel, an email address). The
// gateway core ships only a logging sink; real delivery integrations are
// supplied by the caller.
type Sink interface {
	Notify(ctx context.Context, sink string, payload map[string]any) error
}

// LogSink delivers notifications by writing them to the structured log, for
// deployments with no external notification integration configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, sink string, payload map[string]any) error {
	s.logger.Info("cost: budget alert notification", "sink", sink, "payload", payload)
	return nil
}

// NotificationWorker polls notification_outbox and delivers fired budget
// alerts to their configured sinks. Modeled on the search package's outbox
// worker: a ticking poll loop, FOR UPDATE SKIP LOCKED claiming, exponential
// backoff on delivery failure, and a graceful Drain.
type NotificationWorker struct {
	db           *storage.DB
	sink         Sink
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	maxAge       time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainOnce  sync.Once
	drainCh    chan context.Context
}

// NewNotificationWorker constructs a NotificationWorker. A notification is
// abandoned (never claimed again) once it has been retried maxAttempts
// times or its outbox entry is older than maxAge, whichever comes first.
func NewNotificationWorker(db *storage.DB, sink Sink, logger *slog.Logger, pollInterval time.Duration, batchSize, maxAttempts int, maxAge time.Duration) *NotificationWorker {
	return &NotificationWorker{
		db:           db,
		sink:         sink,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		maxAge:       maxAge,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once.
func (w *NotificationWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("cost: notification worker Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop, processes remaining entries, and blocks until
// done or ctx expires. Safe to call multiple times.
func (w *NotificationWorker) Drain(ctx context.Context) {
	w.drainOnce.Do(func() {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		select {
		case w.drainCh <- ctx:
		case <-sendCtx.Done():
			w.logger.Warn("cost: drain context channel busy, final poll will use fallback timeout")
		}
		sendCancel()
		if w.cancelLoop != nil {
			w.cancelLoop()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("cost: drain timed out")
	}
}

func (w *NotificationWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *NotificationWorker) processBatch(ctx context.Context) {
	entries, err := w.db.ClaimNotifications(ctx, w.batchSize, w.maxAttempts, w.maxAge)
	if err != nil {
		w.logger.Error("cost: claim notifications", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	var delivered, failed []int64
	for _, e := range entries {
		if err := w.sink.Notify(ctx, e.Sink, e.Payload); err != nil {
			w.logger.Error("cost: deliver notification", "alert", e.AlertName, "sink", e.Sink, "error", err)
			failed = append(failed, e.ID)
			continue
		}
		delivered = append(delivered, e.ID)
	}

	if len(delivered) > 0 {
		if err := w.db.CompleteNotifications(ctx, delivered); err != nil {
			w.logger.Error("cost: complete notifications", "error", err)
		}
	}
	if len(failed) > 0 {
		if err := w.db.FailNotifications(ctx, failed, "sink delivery failed"); err != nil {
			w.logger.Error("cost: record failed notifications", "error", err)
		}
	}
}
