// Package reconciler brings the management subsystem in line with one
// deployment: the site is found or created, a dedicated application pool is
// created and the application is registered under it. Teardown undoes the
// pool and the application but never the site.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/internal/webhost"
	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

// NativeModuleRuntime is the managed runtime version that makes the
// subsystem load no managed runtime, leaving the process to the native
// hosting module.
const NativeModuleRuntime = "vCoreFX"

const (
	StateIdle                  = "idle"
	StateSiteResolved          = "site_resolved"
	StatePoolCreated           = "pool_created"
	StateApplicationRegistered = "application_registered"
	StateCommitted             = "committed"
	StateFailed                = "failed"
	StateRemoved               = "removed"
)

const (
	eventResolveSite         = "resolve_site"
	eventCreatePool          = "create_pool"
	eventRegisterApplication = "register_application"
	eventCommit              = "commit"
	eventFail                = "fail"
	eventRemove              = "remove"
)

// ErrOutOfOrder is returned when a step is invoked before the steps it
// depends on.
var ErrOutOfOrder = errors.New("reconciler step out of order")

type Options struct {
	SiteName   string
	RootFolder string
	Logger     *zap.Logger
}

type Reconciler struct {
	session       webhost.Session
	params        deployment.Parameters
	publishedPath string
	siteName      string
	rootFolder    string
	log           *zap.Logger

	FSM *fsm.FSM

	site *webhost.Site
	pool *webhost.ApplicationPool
}

func New(session webhost.Session, params deployment.Parameters, publishedPath string, opts Options) *Reconciler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{
		session:       session,
		params:        params,
		publishedPath: publishedPath,
		siteName:      opts.SiteName,
		rootFolder:    opts.RootFolder,
		log:           log.With(zap.String("app", params.Name())),
	}
	r.FSM = r.newFSM(StateIdle)
	return r
}

// Restore returns a reconciler for a deployment committed by an earlier
// process, ready for StopAndRemove.
func Restore(session webhost.Session, params deployment.Parameters, publishedPath string, opts Options) *Reconciler {
	r := New(session, params, publishedPath, opts)
	pool := r.desiredPool()
	r.pool = &pool
	r.FSM = r.newFSM(StateCommitted)
	return r
}

func (r *Reconciler) newFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventResolveSite, Src: []string{StateIdle}, Dst: StateSiteResolved},
			{Name: eventCreatePool, Src: []string{StateSiteResolved}, Dst: StatePoolCreated},
			{Name: eventRegisterApplication, Src: []string{StatePoolCreated}, Dst: StateApplicationRegistered},
			{Name: eventCommit, Src: []string{StateApplicationRegistered}, Dst: StateCommitted},
			{Name: eventFail, Src: []string{StateIdle, StateSiteResolved, StatePoolCreated, StateApplicationRegistered}, Dst: StateFailed},
			{Name: eventRemove, Src: []string{StateIdle, StateSiteResolved, StatePoolCreated, StateApplicationRegistered, StateCommitted, StateFailed}, Dst: StateRemoved},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				r.log.Debug("reconciler transition",
					zap.String("event", e.Event),
					zap.String("src", e.Src),
					zap.String("dst", e.Dst),
				)
			},
		},
	)
}

func (r *Reconciler) State() string {
	return r.FSM.Current()
}

// step runs fn as the transition named event. A failing fn moves the
// reconciler to failed.
func (r *Reconciler) step(ctx context.Context, event string, fn func() error) error {
	if !r.FSM.Can(event) {
		return fmt.Errorf("%w: %s in state %s", ErrOutOfOrder, event, r.FSM.Current())
	}
	if err := fn(); err != nil {
		_ = r.FSM.Event(ctx, eventFail)
		return err
	}
	return r.FSM.Event(ctx, event)
}

// ResolveSite finds the configured site or stages its creation on port.
// Repeated calls return the site resolved first.
func (r *Reconciler) ResolveSite(ctx context.Context, port int) (webhost.Site, error) {
	if r.site != nil {
		return *r.site, nil
	}
	err := r.step(ctx, eventResolveSite, func() error {
		site, err := r.session.FindSite(ctx, r.siteName)
		if errors.Is(err, webhost.ErrNotFound) {
			r.log.Info("creating site",
				zap.String("site", r.siteName),
				zap.String("root", r.rootFolder),
				zap.Int("port", port),
			)
			site, err = r.session.AddSite(ctx, r.siteName, r.rootFolder, port)
		}
		if err != nil {
			return fmt.Errorf("resolve site %q: %w", r.siteName, err)
		}
		r.site = &site
		return nil
	})
	if err != nil {
		return webhost.Site{}, err
	}
	return *r.site, nil
}

func (r *Reconciler) desiredPool() webhost.ApplicationPool {
	pool := webhost.ApplicationPool{
		Name:                  r.params.Name(),
		Enable32BitAppOnWin64: r.params.Is32Bit(),
	}
	if r.params.NativeModule() {
		pool.ManagedRuntimeVersion = NativeModuleRuntime
	}
	return pool
}

// CreatePool stages the deployment's application pool. A pool with the
// same name fails with webhost.ErrAlreadyExists.
func (r *Reconciler) CreatePool(ctx context.Context) (webhost.ApplicationPool, error) {
	var created webhost.ApplicationPool
	err := r.step(ctx, eventCreatePool, func() error {
		pool, err := r.session.AddApplicationPool(ctx, r.desiredPool())
		if err != nil {
			return fmt.Errorf("create application pool %q: %w", r.params.Name(), err)
		}
		r.pool = &pool
		created = pool
		return nil
	})
	return created, err
}

func (r *Reconciler) RegisterApplication(ctx context.Context) (webhost.Application, error) {
	var registered webhost.Application
	err := r.step(ctx, eventRegisterApplication, func() error {
		app, err := r.session.AddApplication(ctx, r.siteName, webhost.Application{
			Path:                r.params.VirtualPath(),
			PhysicalPath:        r.publishedPath,
			ApplicationPoolName: r.pool.Name,
		})
		if err != nil {
			return fmt.Errorf("register application %q: %w", r.params.VirtualPath(), err)
		}
		registered = app
		return nil
	})
	return registered, err
}

// Commit flushes everything staged so far. Whatever the subsystem applied
// before a failure stays applied.
func (r *Reconciler) Commit(ctx context.Context) error {
	return r.step(ctx, eventCommit, func() error {
		if err := r.session.CommitChanges(ctx); err != nil {
			if errors.Is(err, webhost.ErrUnavailable) {
				return err
			}
			return fmt.Errorf("%w: %w", webhost.ErrUnavailable, err)
		}
		return nil
	})
}

// Deploy runs the whole pass once and returns the resolved site.
func (r *Reconciler) Deploy(ctx context.Context) (webhost.Site, error) {
	port, err := r.params.Port()
	if err != nil {
		return webhost.Site{}, err
	}
	site, err := r.ResolveSite(ctx, port)
	if err != nil {
		return webhost.Site{}, err
	}
	if _, err := r.CreatePool(ctx); err != nil {
		return webhost.Site{}, err
	}
	if _, err := r.RegisterApplication(ctx); err != nil {
		return webhost.Site{}, err
	}
	if err := r.Commit(ctx); err != nil {
		return webhost.Site{}, err
	}
	r.log.Info("application registered",
		zap.String("site", site.Name),
		zap.String("path", r.params.VirtualPath()),
		zap.String("pool", r.pool.Name),
	)
	return site, nil
}

// StopAndRemove stops and removes the pool this reconciler created and
// unregisters the application, reading live state rather than anything
// cached at deploy time. Every step runs; failures are logged and returned
// together. Objects that are already gone are skipped.
func (r *Reconciler) StopAndRemove(ctx context.Context) error {
	if r.pool == nil {
		return nil
	}
	name := r.pool.Name
	var errs error

	if err := r.session.StopApplicationPool(ctx, name); err != nil {
		errs = multierr.Append(errs, r.teardownErr("stop application pool", err))
	}

	site, err := r.session.FindSite(ctx, r.siteName)
	switch {
	case err != nil:
		errs = multierr.Append(errs, r.teardownErr("resolve site", err))
	default:
		if _, ok := site.Application(r.params.VirtualPath()); !ok {
			r.log.Warn("application not registered, skipping removal",
				zap.String("site", r.siteName),
				zap.String("path", r.params.VirtualPath()),
			)
		} else if err := r.session.RemoveApplication(ctx, r.siteName, r.params.VirtualPath()); err != nil {
			errs = multierr.Append(errs, r.teardownErr("remove application", err))
		}
	}

	if err := r.session.RemoveApplicationPool(ctx, name); err != nil {
		errs = multierr.Append(errs, r.teardownErr("remove application pool", err))
	}

	if err := r.session.CommitChanges(ctx); err != nil {
		errs = multierr.Append(errs, r.teardownErr("commit teardown", err))
	}

	if r.FSM.Can(eventRemove) {
		if err := r.FSM.Event(ctx, eventRemove); err != nil {
			r.log.Debug("state transition failed", zap.String("event", eventRemove), zap.Error(err))
		}
	}
	return errs
}

// teardownErr logs a failed teardown step. Objects already gone are not
// failures and yield nil.
func (r *Reconciler) teardownErr(step string, err error) error {
	if errors.Is(err, webhost.ErrNotFound) {
		r.log.Warn("teardown: already gone", zap.String("step", step), zap.Error(err))
		return nil
	}
	r.log.Error("teardown step failed", zap.String("step", step), zap.Error(err))
	return fmt.Errorf("%s: %w", step, err)
}
