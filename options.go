package quarrier

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL      string
	notifyURL        string
	redisURL         string
	logger           *slog.Logger
	version          string
	completionClient CompletionClient
	notificationSink NotificationSink
	providerProbe    ProviderProbe
	eventHooks       []EventHook
	extraMigrations  []fs.FS
}

// WithDatabaseURL overrides the gateway's own metadata store connection
// string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when using a connection pooler for
// queries — LISTEN/NOTIFY requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRedisURL overrides the Redis connection string backing the per-agent
// call rate limit (QUARRIER_REDIS_URL env var). Leaving it unset keeps the
// call limiter in noop mode.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in startup logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCompletionClient replaces the default HTTP-backed completion client
// the NL->SQL Converter dispatches completion calls through.
func WithCompletionClient(c CompletionClient) Option {
	return func(o *resolvedOptions) { o.completionClient = c }
}

// WithNotificationSink replaces the default logging sink budget alerts are
// delivered through.
func WithNotificationSink(s NotificationSink) Option {
	return func(o *resolvedOptions) { o.notificationSink = s }
}

// WithProviderProbe enables periodic out-of-band health probing of every
// registered AI provider. Without it, a provider's tracked health reflects
// only the outcome of actual calls.
func WithProviderProbe(p ProviderProbe) Option {
	return func(o *resolvedOptions) { o.providerProbe = p }
}

// WithEventHook registers an event hook to receive an asynchronous copy of
// every audit event the Query Pipeline appends. Multiple hooks may be
// registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the gateway's own embedded migrations. Multiple filesystems may be
// registered; they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
