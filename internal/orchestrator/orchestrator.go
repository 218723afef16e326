// Package orchestrator drives one deployment end to end: publish, patch the
// published configuration, reconcile the management subsystem and, on
// Dispose, tear everything down again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/internal/metrics"
	"github.com/balaji-balu/margo-testhost/internal/publish"
	"github.com/balaji-balu/margo-testhost/internal/reconciler"
	"github.com/balaji-balu/margo-testhost/internal/webconfig"
	"github.com/balaji-balu/margo-testhost/internal/webhost"
	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

// ErrAlreadyDeployed is returned by a second call to Deploy.
var ErrAlreadyDeployed = errors.New("deployment already started")

// Notifier receives lifecycle events. natsbroker.Broker implements it.
type Notifier interface {
	PublishEvent(ev deployment.Event) error
}

type Options struct {
	SiteName   string
	RootFolder string

	// Publisher produces the output directory. Ignored when the
	// parameters carry a PublishedPath.
	Publisher publish.Publisher

	// JournalPath, when set, receives a journal after a successful
	// deployment. Dispose removes it.
	JournalPath string

	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type State string

const (
	StatePending  State = "pending"
	StateDeployed State = "deployed"
	StateFailed   State = "failed"
	StateDisposed State = "disposed"
)

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State  State              `json:"state"`
	Result *deployment.Result `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

type Orchestrator struct {
	opener webhost.Opener
	params deployment.Parameters
	opts   Options
	log    *zap.Logger
	tracer trace.Tracer

	shutdown context.Context
	cancel   context.CancelFunc

	mu            sync.Mutex
	id            string
	state         State
	lastErr       error
	session       webhost.Session
	publisher     publish.Publisher
	publishedPath string
	reconciler    *reconciler.Reconciler
	result        *deployment.Result
	started       bool
	disposed      bool
	hooks         []func() error
}

func New(opener webhost.Opener, params deployment.Parameters, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opener:   opener,
		params:   params,
		opts:     opts,
		log:      log.With(zap.String("app", params.Name())),
		tracer:   otel.Tracer("testhost/orchestrator"),
		shutdown: ctx,
		cancel:   cancel,
		state:    StatePending,
	}
}

// HostShutdown is cancelled when the deployment is disposed.
func (o *Orchestrator) HostShutdown() context.Context {
	return o.shutdown
}

// OnDispose registers fn to run during Dispose, after the subsystem has been
// cleaned up. Hooks run in reverse registration order.
func (o *Orchestrator) OnDispose(fn func() error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{State: o.state, Result: o.result}
	if o.lastErr != nil {
		s.Error = o.lastErr.Error()
	}
	return s
}

func (o *Orchestrator) siteLabel() string {
	return o.opts.SiteName
}

// Deploy publishes the application and registers it with the management
// subsystem. It runs once; the first failing step aborts it and nothing
// already done is rolled back. Dispose cleans up either way.
func (o *Orchestrator) Deploy(ctx context.Context) (*deployment.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil, ErrAlreadyDeployed
	}
	o.started = true
	o.id = uuid.NewString()

	ctx, span := o.tracer.Start(ctx, "deploy", trace.WithAttributes(
		attribute.String("deployment.id", o.id),
		attribute.String("app.name", o.params.Name()),
		attribute.String("site.name", o.opts.SiteName),
	))
	defer span.End()

	begin := time.Now()
	if o.opts.Metrics != nil {
		o.opts.Metrics.DeploymentsTotal.WithLabelValues(o.siteLabel()).Inc()
	}

	result, err := o.deploy(ctx)
	if err != nil {
		o.state = StateFailed
		o.lastErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.log.Error("deployment failed", zap.String("id", o.id), zap.Error(err))
		if o.opts.Metrics != nil {
			o.opts.Metrics.DeploymentsFailed.WithLabelValues(o.siteLabel()).Inc()
		}
		ev := deployment.NewEvent(o.id, deployment.EventDeployFailed, o.params.Name())
		ev.Message = err.Error()
		o.notify(ev)
		return nil, err
	}

	o.state = StateDeployed
	o.result = result
	if o.opts.Metrics != nil {
		o.opts.Metrics.DeploymentsActive.WithLabelValues(o.siteLabel()).Inc()
		o.opts.Metrics.DeployDuration.WithLabelValues(o.siteLabel()).Observe(time.Since(begin).Seconds())
	}
	ev := deployment.NewEvent(o.id, deployment.EventDeployed, o.params.Name())
	ev.BaseURL = result.BaseURL
	o.notify(ev)
	o.log.Info("deployed",
		zap.String("id", o.id),
		zap.String("url", result.BaseURL),
		zap.String("published", result.PublishedPath),
	)
	return result, nil
}

func (o *Orchestrator) deploy(ctx context.Context) (*deployment.Result, error) {
	if err := o.params.Validate(); err != nil {
		return nil, err
	}
	baseURL, err := o.params.BaseURL()
	if err != nil {
		return nil, err
	}

	session, err := o.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open management session: %w", err)
	}
	o.session = session

	o.publisher = o.opts.Publisher
	if o.params.PublishedPath != "" {
		o.publisher = publish.Prepublished{}
	}
	if o.publisher == nil {
		return nil, fmt.Errorf("%w: no publisher configured", publish.ErrPublishFailed)
	}
	publishedPath, err := o.publisher.Publish(ctx, o.params)
	if err != nil {
		return nil, err
	}
	o.publishedPath = publishedPath

	if err := webconfig.WriteEnvironmentSettings(publishedPath, o.params.EnvironmentName); err != nil {
		return nil, err
	}
	if o.params.NativeModule() {
		if err := webconfig.PatchServerConfig(publishedPath); err != nil {
			return nil, err
		}
	}

	o.reconciler = reconciler.New(session, o.params, publishedPath, reconciler.Options{
		SiteName:   o.opts.SiteName,
		RootFolder: o.opts.RootFolder,
		Logger:     o.log,
	})
	if _, err := o.reconciler.Deploy(ctx); err != nil {
		return nil, err
	}

	result := &deployment.Result{
		ID:            o.id,
		BaseURL:       baseURL,
		PublishedPath: publishedPath,
		Parameters:    o.params,
		HostShutdown:  o.shutdown,
	}

	if o.opts.JournalPath != "" {
		err := SaveJournal(o.opts.JournalPath, Journal{
			ID:            o.id,
			SiteName:      o.opts.SiteName,
			BaseURL:       baseURL,
			PublishedPath: publishedPath,
			Parameters:    o.params,
			DeployedAt:    time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("persist journal: %w", err)
		}
	}
	return result, nil
}

// Dispose tears the deployment down. Every step runs even when an earlier
// one fails; the failures are logged and returned together. Calls after the
// first return nil. Hooks run without the orchestrator lock held, so they may
// call Status.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	o.disposed = true
	id := o.id
	rec := o.reconciler
	publisher, publishedPath := o.publisher, o.publishedPath
	session := o.session
	deployed := o.result != nil
	hooks := append([]func() error(nil), o.hooks...)
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "dispose", trace.WithAttributes(
		attribute.String("deployment.id", id),
		attribute.String("app.name", o.params.Name()),
	))
	defer span.End()

	var errs error
	step := func(name string, err error) {
		if err == nil {
			return
		}
		o.log.Error("dispose step failed", zap.String("step", name), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
	}

	if rec != nil {
		step("remove from management subsystem", rec.StopAndRemove(ctx))
	}

	o.cancel()

	if publisher != nil && publishedPath != "" {
		step("clean published output", publisher.Clean(ctx, publishedPath))
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		step("cleanup hook", hooks[i]())
	}

	if o.opts.JournalPath != "" {
		step("remove journal", RemoveJournal(o.opts.JournalPath))
	}

	if session != nil {
		step("close session", session.Close())
	}

	if o.opts.Metrics != nil {
		if deployed {
			o.opts.Metrics.DeploymentsActive.WithLabelValues(o.siteLabel()).Dec()
		}
		if errs != nil {
			o.opts.Metrics.TeardownFailures.WithLabelValues(o.siteLabel()).Inc()
		}
	}

	if id != "" {
		ev := deployment.NewEvent(id, deployment.EventTornDown, o.params.Name())
		if errs != nil {
			ev.Message = errs.Error()
		}
		o.notify(ev)
	}

	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, errs.Error())
	}

	o.mu.Lock()
	o.state = StateDisposed
	o.mu.Unlock()
	o.log.Info("disposed", zap.String("id", id), zap.Bool("clean", errs == nil))
	return errs
}

func (o *Orchestrator) notify(ev deployment.Event) {
	if o.opts.Notifier == nil {
		return
	}
	if err := o.opts.Notifier.PublishEvent(ev); err != nil {
		o.log.Warn("publish event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Restore rebuilds the orchestrator for the deployment recorded in the
// journal at journalPath so that it can be disposed by this process.
func Restore(ctx context.Context, opener webhost.Opener, journalPath string, opts Options) (*Orchestrator, error) {
	j, err := LoadJournal(journalPath)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if opts.SiteName == "" {
		opts.SiteName = j.SiteName
	}
	opts.JournalPath = journalPath

	o := New(opener, j.Parameters, opts)
	session, err := opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open management session: %w", err)
	}

	o.started = true
	o.id = j.ID
	o.session = session
	o.publishedPath = j.PublishedPath
	o.publisher = opts.Publisher
	if j.Parameters.PublishedPath != "" {
		o.publisher = publish.Prepublished{}
	}
	o.reconciler = reconciler.Restore(session, j.Parameters, j.PublishedPath, reconciler.Options{
		SiteName:   opts.SiteName,
		RootFolder: opts.RootFolder,
		Logger:     o.log,
	})
	o.result = &deployment.Result{
		ID:            j.ID,
		BaseURL:       j.BaseURL,
		PublishedPath: j.PublishedPath,
		Parameters:    j.Parameters,
		HostShutdown:  o.shutdown,
	}
	o.state = StateDeployed
	if opts.Metrics != nil {
		opts.Metrics.DeploymentsActive.WithLabelValues(o.siteLabel()).Inc()
	}
	return o, nil
}
