package discovery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/internal/metrics"
	"github.com/catherinevee/cloudauditor/internal/regions"
	discoveryerrors "github.com/catherinevee/cloudauditor/internal/shared/errors"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// SecondaryThreshold is the primary-stage result size below which the
// change-ledger stage runs.
const SecondaryThreshold = 10

const tracerName = "github.com/catherinevee/cloudauditor/internal/discovery"

// Engine orchestrates a staged discovery run across the configured backends
type Engine struct {
	session  Session
	backends Backends
	config   models.DiscoveryConfig
	resolver *regions.Resolver

	log      logger.Logger
	recorder metrics.Recorder
	tracer   trace.Tracer
	newRunID func() string
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithTracer sets the tracer used for run and stage spans
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithRunIDs overrides run id generation
func WithRunIDs(fn func() string) Option {
	return func(e *Engine) { e.newRunID = fn }
}

// NewEngine creates an engine. The config is copied; later changes by the
// caller do not affect the engine.
func NewEngine(session Session, backends Backends, cfg models.DiscoveryConfig, opts ...Option) *Engine {
	e := &Engine{
		session:  session,
		backends: backends,
		config:   cfg.Clone().Normalize(),
		resolver: regions.NewResolver(session),
		log:      logger.New("discovery"),
		recorder: metrics.Nop{},
		tracer:   otel.Tracer(tracerName),
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns a copy of the engine's configuration
func (e *Engine) Config() models.DiscoveryConfig {
	return e.config.Clone()
}

// runContext is the per-run scope threaded through every stage. Only the
// orchestrator's own goroutine touches result and merged.
type runContext struct {
	id              string
	account         string
	regions         []string
	explicitRegions bool
	config          models.DiscoveryConfig

	result *models.DiscoveryResult
	merged *mergeSet
	log    logger.Logger
}

// activeAdapters are the backends that passed INIT
type activeAdapters struct {
	index       IndexAdapter
	ledger      LedgerAdapter
	enumeration EnumerationAdapter
}

// Discover runs the full pipeline and always returns a well-formed result.
// Callers must inspect Success and Errors.
func (e *Engine) Discover(ctx context.Context) *models.DiscoveryResult {
	runID := e.newRunID()
	ctx, span := e.tracer.Start(ctx, "discovery.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	result := models.NewDiscoveryResult(runID)
	rc := &runContext{
		id:     runID,
		config: e.config,
		result: result,
		merged: newMergeSet(),
		log:    e.log.WithContext(ctx).WithFields(logger.String("run_id", runID)),
	}

	account, err := e.detectAccount(ctx)
	if err != nil {
		e.record(rc, err)
		result.Duration = time.Since(result.StartedAt)
		span.SetStatus(codes.Error, "account detection failed")
		e.recorder.RunFinished(false, 0, result.Duration)
		rc.log.Error("discovery aborted", logger.Error(err))
		return result
	}
	rc.account = account
	result.AccountID = account
	rc.log = rc.log.WithFields(logger.String("account_id", account))

	resolution := e.resolver.Resolve(ctx, e.config.Regions)
	rc.regions = resolution.Regions
	rc.explicitRegions = resolution.Explicit
	result.Regions = append([]string{}, resolution.Regions...)
	if resolution.Err != nil {
		e.record(rc, resolution.Err)
	}
	rc.log.Info("discovery started",
		logger.Int("regions", len(rc.regions)),
		logger.Bool("explicit_regions", rc.explicitRegions))

	start := time.Now()
	active := e.initialize(ctx, rc)

	primaryCount := 0
	if active.index != nil {
		out := e.stage(ctx, rc, discoveryerrors.StagePrimary, models.SourceResourceExplorer, func(ctx context.Context) stageOutput {
			return e.runPrimary(ctx, rc, active.index)
		})
		primaryCount = out.added
	}

	if active.ledger != nil && (active.index == nil || primaryCount < SecondaryThreshold) {
		e.stage(ctx, rc, discoveryerrors.StageSecondary, models.SourceConfig, func(ctx context.Context) stageOutput {
			return e.runSecondary(ctx, rc, active.ledger)
		})
	} else if active.ledger != nil {
		rc.log.Info("skipping secondary stage", logger.Int("primary_resources", primaryCount))
	}

	if active.enumeration != nil {
		e.stage(ctx, rc, discoveryerrors.StageTertiary, models.SourceCloudControl, func(ctx context.Context) stageOutput {
			return e.runTertiary(ctx, rc, active.enumeration)
		})
	}

	var untagged int
	result.Resources, untagged = applyFilters(rc.config, rc.merged.resources)
	if dropped := len(rc.merged.resources) - len(result.Resources); dropped > 0 {
		rc.log.Info("filtered resources", logger.Int("dropped", dropped))
	}
	if untagged > 0 {
		rc.log.Warn("tag filter not applied to change-ledger resources",
			logger.Int("resources", untagged))
	}
	for _, r := range result.Resources {
		result.StageCounts[r.Source]++
	}

	result.TotalCount = len(result.Resources)
	result.Duration = time.Since(start)
	result.Success = len(result.Errors) == 0

	if !result.Success {
		span.SetStatus(codes.Error, "discovery recorded errors")
	}
	span.SetAttributes(attribute.Int("resources", result.TotalCount), attribute.Int("errors", len(result.Errors)))
	e.recorder.RunFinished(result.Success, result.TotalCount, result.Duration)
	rc.log.Info("discovery complete",
		logger.Int("resources", result.TotalCount),
		logger.Int("errors", len(result.Errors)),
		logger.Duration("duration", result.Duration))

	return result
}

func (e *Engine) detectAccount(ctx context.Context) (string, error) {
	if e.session == nil {
		return "", discoveryerrors.New(discoveryerrors.KindAccountDetection, "no session configured").
			WithStage(discoveryerrors.StageAccount).Err()
	}

	var account string
	err := discoveryerrors.Guard(discoveryerrors.New(discoveryerrors.KindAccountDetection, "account lookup panicked").
		WithStage(discoveryerrors.StageAccount), func() error {
		var err error
		account, err = e.session.AccountID(ctx)
		return err
	})
	if discoveryerrors.KindOf(err) == discoveryerrors.KindAccountDetection {
		return "", err
	}
	if err != nil {
		return "", discoveryerrors.New(discoveryerrors.KindAccountDetection, "failed to detect account id").
			WithStage(discoveryerrors.StageAccount).WithWrapped(err).Err()
	}
	if account == "" {
		return "", discoveryerrors.New(discoveryerrors.KindAccountDetection, "session returned an empty account id").
			WithStage(discoveryerrors.StageAccount).Err()
	}
	return account, nil
}

// initialize probes every enabled backend. Missing or failing backends are
// excluded from the run with an AdapterUnavailable error.
func (e *Engine) initialize(ctx context.Context, rc *runContext) activeAdapters {
	var active activeAdapters

	probe := func(enabled bool, a Adapter, source models.DiscoverySource) bool {
		if !enabled {
			return false
		}
		if a == nil {
			e.record(rc, discoveryerrors.New(discoveryerrors.KindAdapterUnavailable, "backend not configured").
				WithStage(discoveryerrors.StageInit).WithSource(source.String()).Err())
			return false
		}

		ok := false
		err := discoveryerrors.Guard(discoveryerrors.Scope(discoveryerrors.StageInit, source.String()), func() error {
			ok = a.Probe(ctx)
			return nil
		})
		if err != nil {
			e.record(rc, err)
		}
		if !ok {
			e.record(rc, discoveryerrors.New(discoveryerrors.KindAdapterUnavailable, "probe failed, backend excluded from run").
				WithStage(discoveryerrors.StageInit).WithSource(source.String()).Err())
			return false
		}
		rc.log.Debug("backend available", logger.String("source", source.String()))
		return true
	}

	cfg := rc.config
	if probe(cfg.UseResourceExplorer, e.backends.Index, models.SourceResourceExplorer) {
		active.index = e.backends.Index
	}
	if probe(cfg.UseConfig, e.backends.Ledger, models.SourceConfig) {
		active.ledger = e.backends.Ledger
	}
	if probe(cfg.UseCloudControl, e.backends.Enumeration, models.SourceCloudControl) {
		active.enumeration = e.backends.Enumeration
	}

	rc.log.Info("backends initialized",
		logger.Bool("resource_explorer", active.index != nil),
		logger.Bool("config", active.ledger != nil),
		logger.Bool("cloud_control", active.enumeration != nil))
	return active
}

// stageOutput is what a stage hands back to the orchestrator after join
type stageOutput struct {
	resources []models.Resource
	errs      []error
	added     int
}

// stage runs fn inside a span, then folds its output into the run.
func (e *Engine) stage(ctx context.Context, rc *runContext, name string, source models.DiscoverySource, fn func(context.Context) stageOutput) stageOutput {
	ctx, span := e.tracer.Start(ctx, "discovery.stage."+name, trace.WithAttributes(attribute.String("source", source.String())))
	defer span.End()

	started := time.Now()
	rc.log.Info("stage started", logger.String("stage", name))

	out := fn(ctx)
	for _, err := range out.errs {
		e.record(rc, err)
	}
	out.added = rc.merged.add(out.resources)

	elapsed := time.Since(started)
	span.SetAttributes(attribute.Int("resources", len(out.resources)), attribute.Int("added", out.added), attribute.Int("errors", len(out.errs)))
	e.recorder.StageFinished(name, source.String(), out.added, elapsed)
	rc.log.Info("stage finished",
		logger.String("stage", name),
		logger.Int("found", len(out.resources)),
		logger.Int("new", out.added),
		logger.Int("errors", len(out.errs)),
		logger.Duration("duration", elapsed))
	return out
}

// record appends err to the run's error list
func (e *Engine) record(rc *runContext, err error) {
	if err == nil {
		return
	}
	rc.result.AddError(err.Error())
	kind := discoveryerrors.KindOf(err)
	e.recorder.ErrorRecorded(string(kind))
	rc.log.Warn("discovery error", logger.String("kind", string(kind)), logger.Error(err))
}
