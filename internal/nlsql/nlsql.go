// Package nlsql implements the NL->SQL Converter: it turns an agent's
// natural-language request into SQL by delegating a completion call to the
// AI Provider Manager, scoped to a schema snapshot of only the tables the
// agent can already read, and re-validates whatever SQL comes back through
// the SQL Inspector before it is ever handed to the Connector Factory.
//
// Grounded on the teacher's internal/service/embedding/embedding.go adapter
// shape: a size-limited HTTP response read, structured JSON request/response
// marshaling, and an interface the production implementation sits behind so
// tests and a provider-less deployment can substitute a fixture.
package nlsql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/quarrier/internal/aiprovider"
	"github.com/ashita-ai/quarrier/internal/errs"
	"github.com/ashita-ai/quarrier/internal/model"
	"github.com/ashita-ai/quarrier/internal/sqlinspect"
)

// maxRawOutputInError bounds how much of a provider's unparseable response
// is echoed back to the caller in a GenerationError.
const maxRawOutputInError = 2000

// maxResponseBody bounds how much of an HTTP completion response is read.
const maxResponseBody = 10 * 1024 * 1024

// Request is one natural-language-to-SQL conversion request.
type Request struct {
	Text          string
	Schema        model.SchemaSnapshot
	DriverKind    model.DriverKind
	DefaultSchema string
	AgentID       string
	ProviderID    string
}

// Result is a successful conversion.
type Result struct {
	SQL        string
	Confidence float64
	Inspection sqlinspect.Inspection
	Usage      model.TokenUsage
}

// CompletionClient performs one completion call against a configured
// provider and returns its raw text output and token usage.
type CompletionClient interface {
	Complete(ctx context.Context, cfg model.AIProviderConfig, prompt string) (string, model.TokenUsage, error)
}

// completionOutcome is what the CallFunc handed to the AI Provider Manager
// returns on success, carrying the raw text and usage through Manager.Call's
// any-typed result back to Convert.
type completionOutcome struct {
	text  string
	usage model.TokenUsage
}

// Converter is the NL->SQL Converter.
type Converter struct {
	providers *aiprovider.Manager
	client    CompletionClient
	logger    *slog.Logger
}

// New constructs a Converter. A nil client defaults to an HTTP-backed
// CompletionClient dispatching on the provider's kind.
func New(providers *aiprovider.Manager, client CompletionClient, logger *slog.Logger) *Converter {
	if client == nil {
		client = NewHTTPCompletionClient()
	}
	return &Converter{providers: providers, client: client, logger: logger}
}

// Convert generates SQL for req.Text, scoped to req.Schema, and re-inspects
// the result through the SQL Inspector before returning it. A provider
// failure propagates as whatever *errs.GatewayError the AI Provider Manager
// produced; unparseable provider output fails with a KindGeneration error.
func (c *Converter) Convert(ctx context.Context, req Request) (Result, error) {
	prompt := buildPrompt(req)

	raw, err := c.providers.Call(ctx, req.AgentID, req.ProviderID, func(ctx context.Context, cfg model.AIProviderConfig) (any, error) {
		text, usage, err := c.client.Complete(ctx, cfg, prompt)
		if err != nil {
			return nil, err
		}
		return completionOutcome{text: text, usage: usage}, nil
	})
	if err != nil {
		return Result{}, err
	}

	outcome, _ := raw.(completionOutcome)
	sqlText, confidence, ok := parseCompletion(outcome.text)
	if !ok {
		return Result{}, c.generationError(outcome.text, req.Schema)
	}

	insp, err := sqlinspect.Inspect(sqlText, req.DriverKind, req.DefaultSchema)
	if err != nil {
		return Result{}, err
	}

	return Result{SQL: sqlText, Confidence: confidence, Inspection: insp, Usage: outcome.usage}, nil
}

func (c *Converter) generationError(rawOutput string, schema model.SchemaSnapshot) *errs.GatewayError {
	truncated := rawOutput
	if len(truncated) > maxRawOutputInError {
		truncated = truncated[:maxRawOutputInError]
	}
	suggestions := suggestRephrasings(rawOutput, schema)
	return errs.New(errs.KindGeneration, "provider returned unparseable output").
		WithUserMessage("could not generate SQL from that request, try rephrasing it").
		WithSuggestedFixes(suggestions...).
		WithDetails(map[string]any{"raw_output": truncated})
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Translate the following request into a single ")
	b.WriteString(string(req.DriverKind))
	b.WriteString(" SQL statement. Respond with JSON: {\"sql\": \"...\", \"confidence\": 0.0-1.0}.\n\n")
	b.WriteString("Schema:\n")
	for _, t := range req.Schema.Tables {
		b.WriteString("- ")
		b.WriteString(t.ResourceID)
		b.WriteString("(")
		for i, col := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(col.Name)
			b.WriteString(" ")
			b.WriteString(col.Type)
		}
		b.WriteString(")\n")
	}
	b.WriteString("\nRequest: ")
	b.WriteString(req.Text)
	return b.String()
}

type completionPayload struct {
	SQL        string  `json:"sql"`
	Confidence float64 `json:"confidence"`
}

// parseCompletion extracts a SQL statement and confidence from a provider's
// raw text output. Providers are expected to respond with the JSON shape
// requested in the prompt; anything else, or an empty sql field, fails.
func parseCompletion(rawText string) (sqlText string, confidence float64, ok bool) {
	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return "", 0, false
	}
	var payload completionPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return "", 0, false
	}
	if strings.TrimSpace(payload.SQL) == "" {
		return "", 0, false
	}
	return payload.SQL, payload.Confidence, true
}

// suggestRephrasings scores each schema table by lexical overlap with the
// provider's raw output and returns the best matches as rephrasing hints.
func suggestRephrasings(rawOutput string, schema model.SchemaSnapshot) []string {
	words := tokenize(rawOutput)
	if len(words) == 0 || len(schema.Tables) == 0 {
		return nil
	}

	type scored struct {
		name  string
		score int
	}
	var candidates []scored
	for _, t := range schema.Tables {
		score := 0
		for _, tok := range tokenize(t.ResourceID) {
			if words[tok] {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{name: t.ResourceID, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	const maxSuggestions = 3
	if len(candidates) > maxSuggestions {
		candidates = candidates[:maxSuggestions]
	}
	suggestions := make([]string, len(candidates))
	for i, c := range candidates {
		suggestions[i] = fmt.Sprintf("try rephrasing to reference %q directly", c.name)
	}
	return suggestions
}

func tokenize(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			set[f] = true
		}
	}
	return set
}

// httpCompletionClient is the production CompletionClient, dispatching to a
// provider-kind-specific endpoint.
type httpCompletionClient struct {
	httpClient *http.Client
}

// NewHTTPCompletionClient constructs the default HTTP-backed CompletionClient.
func NewHTTPCompletionClient() *httpCompletionClient {
	return &httpCompletionClient{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type completionResponseEnvelope struct {
	Text  string `json:"text"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *httpCompletionClient) Complete(ctx context.Context, cfg model.AIProviderConfig, prompt string) (string, model.TokenUsage, error) {
	endpoint := endpointForKind(cfg)
	if endpoint == "" {
		return "", model.TokenUsage{}, errs.New(errs.KindConfig, "provider %s has no completion endpoint", cfg.ProviderID).
			WithSuggestedFixes("configure an endpoint for this custom provider", "use a built-in provider kind instead")
	}

	reqBody, err := json.Marshal(completionRequest{Model: cfg.Model, Prompt: prompt})
	if err != nil {
		return "", model.TokenUsage{}, fmt.Errorf("nlsql: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", model.TokenUsage{}, fmt.Errorf("nlsql: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.CredentialRef != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.CredentialRef)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", model.TokenUsage{}, errs.Wrap(errs.KindProviderUnavailable, err, "send completion request").
			WithSuggestedFixes("retry shortly", "check the provider's network reachability")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", model.TokenUsage{}, fmt.Errorf("nlsql: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp completionResponseEnvelope
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			return "", model.TokenUsage{}, errs.New(errs.KindProviderUnavailable, "provider error (HTTP %d): %s", resp.StatusCode, errResp.Error.Message).
				WithSuggestedFixes("retry shortly", "check the provider's credentials and quota")
		}
		return "", model.TokenUsage{}, errs.New(errs.KindProviderUnavailable, "unexpected status %d", resp.StatusCode).
			WithSuggestedFixes("retry shortly", "check the provider's credentials and quota")
	}

	var result completionResponseEnvelope
	if err := json.Unmarshal(body, &result); err != nil {
		return "", model.TokenUsage{}, fmt.Errorf("nlsql: unmarshal response: %w", err)
	}

	usage := model.TokenUsage{PromptTokens: approxTokens(prompt), CompletionTokens: approxTokens(result.Text)}
	if result.Usage != nil {
		usage = model.TokenUsage{PromptTokens: result.Usage.PromptTokens, CompletionTokens: result.Usage.CompletionTokens}
	}
	return result.Text, usage, nil
}

// approxTokens estimates a token count from text length when a provider's
// response carries no usage field, using the common ~4-characters-per-token
// rule of thumb.
func approxTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func endpointForKind(cfg model.AIProviderConfig) string {
	switch cfg.Kind {
	case model.ProviderOpenAI:
		return "https://api.openai.com/v1/completions"
	case model.ProviderAnthropic:
		return "https://api.anthropic.com/v1/messages"
	default:
		return cfg.Endpoint
	}
}
