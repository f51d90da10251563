// Package pipeline implements the request-lifecycle orchestration spine:
// resolve -> route -> budget -> execute -> persist -> update health ->
// return. It is the single entry point reused by the HTTP
// chat-completions handler, the workflow step interpreter, and
// (conceptually) MCP tool adapters — none of those callers duplicate any of
// this ordering themselves.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/openclaw-community/openclaw-hub/internal/budget"
	"github.com/openclaw-community/openclaw-hub/internal/events"
	"github.com/openclaw-community/openclaw-hub/internal/health"
	"github.com/openclaw-community/openclaw-hub/internal/providers"
	"github.com/openclaw-community/openclaw-hub/internal/retry"
	"github.com/openclaw-community/openclaw-hub/internal/router"
	"github.com/openclaw-community/openclaw-hub/internal/stats"
	"github.com/openclaw-community/openclaw-hub/internal/store"
)

// Request is the caller-supplied, already-normalised completion request.
type Request struct {
	Model        string
	Messages     []providers.Message
	Options      providers.CompletionOptions
	WorkflowName string // set by the workflow interpreter; empty for direct HTTP/MCP calls
}

// Response is the normalised result handed back to every caller, carrying
// enough of the fallback bookkeeping that the HTTP layer can set the
// X-Hub-Fallback/X-Hub-Original-Provider/X-Hub-Actual-Provider headers
// without re-deriving anything.
type Response struct {
	Content          string
	ModelEchoed      string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	ConnectionID     int64
	LatencyMs        int64
	Fallback         bool
	OriginalProvider string
	ActualProvider   string
}

// ErrNoRoute is returned when no enabled connection exists for the
// resolved model family.
var ErrNoRoute = errors.New("no enabled connection for model")

// Kind is the closed error taxonomy every pipeline failure is classified
// into, so the HTTP layer maps errors by type rather than by
// parsing strings.
type Kind string

const (
	KindBadRequest            Kind = "bad_request"
	KindProviderNotConfigured Kind = "provider_not_configured"
	KindBudgetExceeded        Kind = "budget_exceeded"
	KindAuth                  Kind = "auth"
	KindUpstreamRateLimited   Kind = "upstream_rate_limited"
	KindUpstreamTransient     Kind = "upstream_transient"
	KindCancelled             Kind = "cancelled"
	KindInternal              Kind = "internal"
)

// PipelineError wraps a pipeline failure with its Kind and any structured
// metadata the HTTP layer needs to build the error payload.
// It is errors.As/errors.Is compatible with the error it wraps.
type PipelineError struct {
	Kind     Kind
	Err      error
	Metadata map[string]any
}

func (e *PipelineError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *PipelineError) Unwrap() error { return e.Err }

// classify maps a raw error from any pipeline stage onto its Kind, wrapping
// it in a PipelineError. ctx discriminates a caller-initiated cancellation
// from a deadline that the retry executor hit mid-attempt.
func classify(ctx context.Context, err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, ErrNoRoute):
		return &PipelineError{Kind: KindProviderNotConfigured, Err: err}
	case errors.Is(err, retry.ErrCancelled):
		if ctx.Err() == context.DeadlineExceeded {
			return &PipelineError{Kind: KindCancelled, Err: err, Metadata: map[string]any{"origin": "deadline"}}
		}
		return &PipelineError{Kind: KindCancelled, Err: err, Metadata: map[string]any{"origin": "caller"}}
	}
	var budgetErr *budget.ExceededError
	if errors.As(err, &budgetErr) {
		return &PipelineError{Kind: KindBudgetExceeded, Err: err, Metadata: map[string]any{
			"window": budgetErr.Window, "limit_usd": budgetErr.LimitUSD, "spent_usd": budgetErr.SpentUSD,
		}}
	}
	var classified *providers.ClassifiedError
	if errors.As(err, &classified) {
		switch classified.Class {
		case providers.ClassAuth:
			return &PipelineError{Kind: KindAuth, Err: err}
		case providers.ClassBadRequest:
			return &PipelineError{Kind: KindBadRequest, Err: err}
		case providers.ClassRateLimited:
			return &PipelineError{Kind: KindUpstreamRateLimited, Err: err}
		default:
			return &PipelineError{Kind: KindUpstreamTransient, Err: err}
		}
	}
	return &PipelineError{Kind: KindInternal, Err: err}
}

// AdapterResolver builds (or returns a cached) provider adapter for a
// connection, decrypting its credentials through the vault. Supplied by the
// composition root, which alone knows how to map a connection's service key
// to a concrete adapter package.
type AdapterResolver func(c store.Connection) (providers.Adapter, error)

// Config bundles the configuration every stage of the pipeline needs.
type Config struct {
	FamilyPrefixes map[string]string
	FallbackRules  []router.FallbackRule
	Retry          retry.Config
}

// Pipeline wires every collaborator the request lifecycle needs behind the
// single Run entry point.
type Pipeline struct {
	cfg       Config
	store     store.Store
	budget    *budget.Enforcer
	tracker   *health.Tracker
	collector *stats.Collector
	eventBus  *events.Bus
	resolve   AdapterResolver
	logger    *slog.Logger

	now func() time.Time

	missingCostMu    sync.Mutex
	missingCostWarned map[string]struct{}
}

// New builds a Pipeline. resolver is required; bus may be nil (events are
// simply not published).
func New(cfg Config, s store.Store, enforcer *budget.Enforcer, tracker *health.Tracker, collector *stats.Collector, bus *events.Bus, resolver AdapterResolver, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:               cfg,
		store:             s,
		budget:            enforcer,
		tracker:           tracker,
		collector:         collector,
		eventBus:          bus,
		resolve:           resolver,
		logger:            logger,
		now:               time.Now,
		missingCostWarned: make(map[string]struct{}),
	}
}

// Run executes the full request lifecycle for a single completion request.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	start := p.now()
	connections, err := p.store.ListConnections(ctx)
	if err != nil {
		return Response{}, classify(ctx, fmt.Errorf("list connections: %w", err))
	}

	chain := router.Route(req.Model, toRouterConnections(connections), p.cfg.FallbackRules, p.cfg.FamilyPrefixes)
	if len(chain) == 0 {
		p.recordFailedRequest(ctx, req, "", 0, p.now().Sub(start).Milliseconds(), ErrNoRoute)
		return Response{}, classify(ctx, ErrNoRoute)
	}

	byID := make(map[int64]store.Connection, len(connections))
	for _, c := range connections {
		byID[c.ID] = c
	}

	targets, lastBudgetErr := p.buildTargets(ctx, chain, byID, req.Model)
	if len(targets) == 0 {
		latencyMs := p.now().Sub(start).Milliseconds()
		if lastBudgetErr != nil {
			p.recordFailedRequest(ctx, req, chain[0].Family, chain[0].ID, latencyMs, lastBudgetErr)
			return Response{}, classify(ctx, lastBudgetErr)
		}
		p.recordFailedRequest(ctx, req, chain[0].Family, chain[0].ID, latencyMs, ErrNoRoute)
		return Response{}, classify(ctx, ErrNoRoute)
	}

	connByConnID := make(map[int64]store.Connection, len(targets))
	for _, t := range targets {
		connByConnID[t.ConnectionID] = byID[t.ConnectionID]
	}

	outcome := retry.Run(ctx, p.cfg.Retry, targets, func(ctx context.Context, t retry.Target) (providers.CompletionResult, error) {
		return p.attempt(ctx, t, req)
	}, nil)

	latencyMs := p.now().Sub(start).Milliseconds()

	if outcome.Err != nil {
		p.persistFailure(ctx, req, outcome, latencyMs)
		return Response{}, classify(ctx, outcome.Err)
	}

	conn := connByConnID[outcome.Target.ConnectionID]
	cost := p.computeCost(ctx, conn, outcome.Result)

	if err := p.store.InsertRequest(ctx, store.Request{
		Model:            req.Model,
		Provider:         conn.ServiceKey,
		ConnectionID:     conn.ID,
		PromptTokens:     outcome.Result.PromptTokens,
		CompletionTokens: outcome.Result.CompletionTokens,
		CostUSD:          cost,
		LatencyMs:        latencyMs,
		Success:          true,
		WorkflowName:     req.WorkflowName,
	}); err != nil {
		p.logger.Error("persist request failed", slog.String("connection", conn.Name), slog.String("error", err.Error()))
	}
	p.budget.Invalidate(conn.ID)
	p.publish(events.EventRouteSuccess, conn, req.Model, cost, float64(latencyMs), "")

	return Response{
		Content:          outcome.Result.Content,
		ModelEchoed:      outcome.Result.ModelEchoed,
		PromptTokens:     outcome.Result.PromptTokens,
		CompletionTokens: outcome.Result.CompletionTokens,
		CostUSD:          cost,
		ConnectionID:     conn.ID,
		LatencyMs:        latencyMs,
		Fallback:         outcome.FellBack,
		OriginalProvider: outcome.OriginalProvider,
		ActualProvider:   outcome.ActualProvider,
	}, nil
}

// buildTargets walks the routed chain, skipping any connection whose
// pre-flight budget check fails and resolving the rest
// into retry.Targets. The last budget error seen is returned so the caller
// can surface it when every candidate is over budget.
func (p *Pipeline) buildTargets(ctx context.Context, chain router.Chain, byID map[int64]store.Connection, model string) ([]retry.Target, error) {
	var targets []retry.Target
	var lastErr error
	for _, rc := range chain {
		conn, ok := byID[rc.ID]
		if !ok {
			continue
		}
		if err := p.budget.Check(ctx, conn); err != nil {
			lastErr = err
			p.logger.Warn("skipping connection over budget", slog.String("connection", conn.Name), slog.String("error", err.Error()))
			continue
		}
		adapter, err := p.resolve(conn)
		if err != nil {
			lastErr = err
			p.logger.Error("adapter resolution failed", slog.String("connection", conn.Name), slog.String("error", err.Error()))
			continue
		}
		targets = append(targets, retry.Target{Adapter: adapter, ConnectionID: conn.ID, Model: model})
	}
	return targets, lastErr
}

// attempt performs one adapter call and records its outcome into the health
// tracker and stats collector, regardless of whether the retry executor
// goes on to retry or fall back.
func (p *Pipeline) attempt(ctx context.Context, t retry.Target, req Request) (providers.CompletionResult, error) {
	key := connectionKey(t.ConnectionID)
	start := p.now()
	result, err := t.Adapter.Complete(ctx, t.Model, req.Messages, req.Options)
	latencyMs := float64(p.now().Sub(start).Milliseconds())

	if err != nil {
		p.tracker.RecordRequestFailure(key, err.Error())
		p.collector.Record(stats.Snapshot{Timestamp: p.now(), ModelID: t.Model, ProviderID: key, Success: false, LatencyMs: latencyMs})
		return result, err
	}
	p.tracker.RecordRequestSuccess(key, latencyMs)
	p.collector.Record(stats.Snapshot{
		Timestamp: p.now(), ModelID: t.Model, ProviderID: key, Success: true, LatencyMs: latencyMs,
		InputTokens: result.PromptTokens, OutputTokens: result.CompletionTokens,
	})
	return result, nil
}

func (p *Pipeline) persistFailure(ctx context.Context, req Request, outcome retry.Outcome, latencyMs int64) {
	provider := outcome.ActualProvider
	if provider == "" {
		provider = outcome.OriginalProvider
	}
	p.recordFailedRequest(ctx, req, provider, outcome.Target.ConnectionID, latencyMs, outcome.Err)
}

// recordFailedRequest appends a Request row with success=false and the
// terminal error string, for every path that gates a request before an
// upstream call is ever attempted (no route, budget exhausted) as well as
// for retry/fallback exhaustion. Every pipeline invocation that terminates
// appends exactly one requests row, gated failures included.
func (p *Pipeline) recordFailedRequest(ctx context.Context, req Request, provider string, connID int64, latencyMs int64, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if insertErr := p.store.InsertRequest(ctx, store.Request{
		Model:        req.Model,
		Provider:     provider,
		ConnectionID: connID,
		LatencyMs:    latencyMs,
		Success:      false,
		Error:        errMsg,
		WorkflowName: req.WorkflowName,
	}); insertErr != nil {
		p.logger.Error("persist failure record failed", slog.String("error", insertErr.Error()))
	}

	var classified *providers.ClassifiedError
	class := ""
	if errors.As(err, &classified) {
		class = string(classified.Class)
	}
	p.publishRaw(events.Event{
		Type:       events.EventRouteError,
		ModelID:    req.Model,
		ProviderID: provider,
		ErrorClass: class,
		ErrorMsg:   errMsg,
	})
}

// computeCost looks up the CostConfig authoritative for this (connection,
// model) pair and converts token counts to USD. A missing
// config means the model is free/local and costs nothing; that is logged
// once at warning level rather than silently undercounting forever (done by
// the caller of New via the adapter's own first-seen bookkeeping — here we
// simply return zero).
func (p *Pipeline) computeCost(ctx context.Context, conn store.Connection, result providers.CompletionResult) float64 {
	configs, err := p.store.ListCostConfigs(ctx, &conn.ID)
	if err != nil {
		p.logger.Warn("cost config lookup failed", slog.String("connection", conn.Name), slog.String("error", err.Error()))
		return 0
	}
	for _, c := range configs {
		if c.ModelPattern == result.ModelEchoed {
			return (float64(result.PromptTokens)*c.InputPerMillion + float64(result.CompletionTokens)*c.OutputPerMillion) / 1e6
		}
	}
	p.warnMissingCostOnce(conn, result.ModelEchoed)
	return 0
}

// warnMissingCostOnce logs the "no cost config" warning a single time per
// (connection, model) pair for the process lifetime, per §9's "log a
// warning on first occurrence per model" design note.
func (p *Pipeline) warnMissingCostOnce(conn store.Connection, model string) {
	key := connectionKey(conn.ID) + "/" + model
	p.missingCostMu.Lock()
	_, seen := p.missingCostWarned[key]
	if !seen {
		p.missingCostWarned[key] = struct{}{}
	}
	p.missingCostMu.Unlock()
	if seen {
		return
	}
	p.logger.Warn("no cost config for model, recording zero cost", slog.String("connection", conn.Name), slog.String("model", model))
}

func (p *Pipeline) publish(eventType events.EventType, conn store.Connection, model string, cost, latencyMs float64, errMsg string) {
	p.publishRaw(events.Event{
		Type:       eventType,
		ModelID:    model,
		ProviderID: conn.ServiceKey,
		CostUSD:    cost,
		LatencyMs:  latencyMs,
		ErrorMsg:   errMsg,
	})
}

func (p *Pipeline) publishRaw(e events.Event) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(e)
}

func connectionKey(id int64) string { return strconv.FormatInt(id, 10) }

func toRouterConnections(conns []store.Connection) []router.Connection {
	out := make([]router.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, router.Connection{ID: c.ID, Family: c.ServiceKey, Enabled: c.Enabled, IsDefault: c.IsDefault, UpdatedAt: c.UpdatedAt})
	}
	return out
}
