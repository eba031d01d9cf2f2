package quarrier

import "context"

// CompletionClient performs one completion call against a configured AI
// provider and returns its raw text output and token usage. When supplied
// via WithCompletionClient, it replaces the default HTTP-backed client the
// NL->SQL Converter otherwise dispatches on the provider's kind — tests and
// air-gapped deployments use this to substitute a fixture or a private
// gateway without the core importing either. A provider that reports no
// usage may return a zero TokenUsage; the call's cost record then carries
// no token counts, and no estimate is made.
type CompletionClient interface {
	Complete(ctx context.Context, cfg AIProviderConfig, prompt string) (string, TokenUsage, error)
}

// NotificationSink delivers a fired BudgetAlert's payload to one named
// notification sink (a webhook URL, a Slack channel, an email address).
// When supplied via WithNotificationSink, it replaces the default sink,
// which only logs. Multiple named sinks are dispatched to the same Sink
// implementation, keyed by the sink name in NotificationSinks.
type NotificationSink interface {
	Notify(ctx context.Context, sink string, payload map[string]any) error
}

// ProviderProbe checks one AI provider's reachability out-of-band, for the
// AI Provider Manager's periodic health probing. When supplied via
// WithProviderProbe, the App starts a background loop that calls it for
// every registered provider on QUARRIER_PROVIDER_HEALTH_CHECK_INTERVAL; a
// successful probe restores a provider to healthy, a failed one marks it
// unhealthy. Leaving it unset disables periodic probing — health then
// tracks only actual call outcomes.
type ProviderProbe interface {
	Probe(ctx context.Context, cfg AIProviderConfig) error
}

// EventHook receives an asynchronous copy of every AuditEvent the Query
// Pipeline appends. Multiple hooks may be registered via multiple
// WithEventHook calls. Hook methods run in a goroutine — they must not
// block indefinitely — and their failures are logged but never fail the
// originating call.
type EventHook interface {
	OnAuditEvent(ctx context.Context, event AuditEvent) error
}
