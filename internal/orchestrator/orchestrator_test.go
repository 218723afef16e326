package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/internal/metrics"
	"github.com/balaji-balu/margo-testhost/internal/publish"
	"github.com/balaji-balu/margo-testhost/internal/webconfig"
	"github.com/balaji-balu/margo-testhost/internal/webhost"
	"github.com/balaji-balu/margo-testhost/internal/webhost/boltstore"
	"github.com/balaji-balu/margo-testhost/internal/webhost/memstore"
	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

const webConfig = `<?xml version="1.0" encoding="utf-8"?>
<configuration>
  <system.webServer>
    <handlers>
      <add name="httpPlatformHandler" path="*" verb="*" modules="httpPlatformHandler" resourceType="Unspecified" />
    </handlers>
  </system.webServer>
</configuration>
`

type recorder struct {
	mu     sync.Mutex
	events []deployment.Event
}

func (r *recorder) PublishEvent(ev deployment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []deployment.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []deployment.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	srv     *memstore.Server
	params  deployment.Parameters
	opts    Options
	events  *recorder
	outRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := filepath.Join(t.TempDir(), "testapp", "wwwroot")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, webconfig.ServerConfigFile), []byte(webConfig), 0o644))

	outRoot := t.TempDir()
	events := &recorder{}
	return &fixture{
		srv: memstore.New(),
		params: deployment.Parameters{
			ApplicationPath:    src,
			ApplicationBaseURI: "http://localhost:5001/",
			HostingMode:        deployment.HostingModeDefault,
			Architecture:       deployment.ArchitectureX64,
			EnvironmentName:    "Testing",
		},
		opts: Options{
			SiteName:    "HttpTestSite",
			RootFolder:  `C:\inetpub\wwwroot`,
			Publisher:   publish.NewDirectoryPublisher(outRoot, zap.NewNop()),
			JournalPath: filepath.Join(t.TempDir(), "journal.json"),
			Notifier:    events,
			Logger:      zap.NewNop(),
		},
		events:  events,
		outRoot: outRoot,
	}
}

func (f *fixture) orchestrator() *Orchestrator {
	return New(f.srv, f.params, f.opts)
}

func TestDeployDefaultMode(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()

	res, err := o.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5001/testapp/", res.BaseURL)
	assert.NotEmpty(t, res.ID)
	assert.Same(t, o.HostShutdown(), res.HostShutdown)

	env, err := os.ReadFile(filepath.Join(res.PublishedPath, webconfig.EnvironmentSettingsFile))
	require.NoError(t, err)
	assert.Equal(t, "ASPNET_ENV=Testing", string(env))

	cfg, err := os.ReadFile(filepath.Join(res.PublishedPath, webconfig.ServerConfigFile))
	require.NoError(t, err)
	assert.Equal(t, webConfig, string(cfg))

	live := f.srv.Snapshot()
	app, ok := live.Sites["HttpTestSite"].Application("/testapp")
	require.True(t, ok)
	assert.Equal(t, res.PublishedPath, app.PhysicalPath)
	assert.Equal(t, "testapp", app.ApplicationPoolName)

	_, err = LoadJournal(f.opts.JournalPath)
	require.NoError(t, err)
	assert.Equal(t, []deployment.EventType{deployment.EventDeployed}, f.events.types())
	assert.Equal(t, StateDeployed, o.Status().State)
}

func TestDeployNativeModulePatchesConfig(t *testing.T) {
	f := newFixture(t)
	f.params.HostingMode = deployment.HostingModeNativeModule
	f.params.Architecture = deployment.ArchitectureX86

	res, err := f.orchestrator().Deploy(context.Background())
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromFile(filepath.Join(res.PublishedPath, webconfig.ServerConfigFile)))
	modules := doc.FindElements("/configuration/system.webServer/modules")
	require.Len(t, modules, 1)
	assert.Equal(t, "true", modules[0].SelectAttrValue("runAllManagedModulesForAllRequests", ""))
	assert.NotNil(t, doc.FindElement("/configuration/system.webServer/handlers"))

	pool := f.srv.Snapshot().Pools["testapp"]
	assert.Equal(t, "vCoreFX", pool.ManagedRuntimeVersion)
	assert.True(t, pool.Enable32BitAppOnWin64)
}

func TestDeployNativeModuleWithoutConfig(t *testing.T) {
	f := newFixture(t)
	f.params.HostingMode = deployment.HostingModeNativeModule
	require.NoError(t, os.Remove(filepath.Join(f.params.ApplicationPath, webconfig.ServerConfigFile)))
	o := f.orchestrator()

	_, err := o.Deploy(context.Background())
	require.ErrorIs(t, err, webconfig.ErrConfigNotFound)
	assert.Empty(t, f.srv.Snapshot().Pools)
	assert.Equal(t, StateFailed, o.Status().State)

	require.NoError(t, o.Dispose(context.Background()))
	entries, err := os.ReadDir(f.outRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeployTwice(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	_, err := o.Deploy(context.Background())
	require.NoError(t, err)

	_, err = o.Deploy(context.Background())
	require.ErrorIs(t, err, ErrAlreadyDeployed)
}

func TestDeployRejectsInvalidParameters(t *testing.T) {
	f := newFixture(t)
	f.params.ApplicationBaseURI = "http://localhost:99999/"

	_, err := f.orchestrator().Deploy(context.Background())
	require.ErrorIs(t, err, deployment.ErrInvalidParameters)
}

func TestDisposeWithoutDeploy(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()

	require.NoError(t, o.Dispose(context.Background()))
	select {
	case <-o.HostShutdown().Done():
	default:
		t.Fatal("shutdown token not cancelled")
	}
	assert.Empty(t, f.events.types())
}

func TestDisposeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	_, err := o.Deploy(context.Background())
	require.NoError(t, err)

	calls := 0
	o.OnDispose(func() error { calls++; return nil })
	require.NoError(t, o.Dispose(context.Background()))
	require.NoError(t, o.Dispose(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestDisposeRemovesDeployment(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	res, err := o.Deploy(context.Background())
	require.NoError(t, err)

	var order []string
	o.OnDispose(func() error { order = append(order, "first"); return nil })
	o.OnDispose(func() error { order = append(order, "second"); return nil })

	require.NoError(t, o.Dispose(context.Background()))

	live := f.srv.Snapshot()
	assert.NotContains(t, live.Pools, "testapp")
	_, ok := live.Sites["HttpTestSite"].Application("/testapp")
	assert.False(t, ok)
	assert.Contains(t, live.Sites, "HttpTestSite")

	_, err = os.Stat(res.PublishedPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.opts.JournalPath)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []string{"second", "first"}, order)
	assert.Error(t, res.HostShutdown.Err())
	assert.Equal(t, []deployment.EventType{deployment.EventDeployed, deployment.EventTornDown}, f.events.types())
	assert.Equal(t, StateDisposed, o.Status().State)
}

func TestDisposeHookCanReadStatus(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	_, err := o.Deploy(context.Background())
	require.NoError(t, err)

	var seen State
	o.OnDispose(func() error {
		seen = o.Status().State
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- o.Dispose(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispose blocked on a hook reading status")
	}
	assert.Equal(t, StateDeployed, seen)
	assert.Equal(t, StateDisposed, o.Status().State)
}

func TestDisposeTrustsLiveState(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	_, err := o.Deploy(context.Background())
	require.NoError(t, err)

	f.srv.Mutate(func(c *webhost.Catalog) {
		site := c.Sites["HttpTestSite"]
		site.Applications = append([]webhost.Application{{Path: "/external", ApplicationPoolName: "testapp"}}, site.Applications...)
		c.Sites["HttpTestSite"] = site
	})

	require.NoError(t, o.Dispose(context.Background()))
	site := f.srv.Snapshot().Sites["HttpTestSite"]
	_, ok := site.Application("/testapp")
	assert.False(t, ok)
	_, ok = site.Application("/external")
	assert.True(t, ok)
}

func TestDisposeContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	res, err := o.Deploy(context.Background())
	require.NoError(t, err)

	f.srv.FailStop = errors.New("access denied")
	hookRan := false
	o.OnDispose(func() error { hookRan = true; return errors.New("hook failed") })

	err = o.Dispose(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Contains(t, err.Error(), "hook failed")

	assert.True(t, hookRan)
	assert.Error(t, res.HostShutdown.Err())
	assert.NotContains(t, f.srv.Snapshot().Pools, "testapp")
	_, statErr := os.Stat(res.PublishedPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeployConflictLeavesForeignPool(t *testing.T) {
	f := newFixture(t)
	f.srv.Mutate(func(c *webhost.Catalog) {
		c.Pools["testapp"] = webhost.ApplicationPool{Name: "testapp", State: webhost.PoolStarted}
	})
	o := f.orchestrator()

	_, err := o.Deploy(context.Background())
	require.ErrorIs(t, err, webhost.ErrAlreadyExists)
	assert.Equal(t, []deployment.EventType{deployment.EventDeployFailed}, f.events.types())

	require.NoError(t, o.Dispose(context.Background()))
	pool, ok := f.srv.Snapshot().Pools["testapp"]
	require.True(t, ok)
	assert.Equal(t, webhost.PoolStarted, pool.State)
}

func TestDeployCommitFailure(t *testing.T) {
	f := newFixture(t)
	f.srv.FailApply = errors.New("rpc timeout")
	o := f.orchestrator()

	_, err := o.Deploy(context.Background())
	require.ErrorIs(t, err, webhost.ErrUnavailable)
	assert.True(t, strings.Contains(o.Status().Error, "rpc timeout"))

	f.srv.FailApply = nil
	require.NoError(t, o.Dispose(context.Background()))
}

func TestPrepublishedOutputIsKept(t *testing.T) {
	f := newFixture(t)
	published := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(published, webconfig.ServerConfigFile), []byte(webConfig), 0o644))
	f.params.PublishedPath = published
	o := f.orchestrator()

	res, err := o.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, published, res.PublishedPath)

	require.NoError(t, o.Dispose(context.Background()))
	_, err = os.Stat(filepath.Join(published, webconfig.EnvironmentSettingsFile))
	assert.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	f.opts.Metrics = metrics.New(reg)
	o := f.orchestrator()

	_, err := o.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.opts.Metrics.DeploymentsTotal.WithLabelValues("HttpTestSite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.opts.Metrics.DeploymentsActive.WithLabelValues("HttpTestSite")))

	require.NoError(t, o.Dispose(context.Background()))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.opts.Metrics.DeploymentsActive.WithLabelValues("HttpTestSite")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.opts.Metrics.TeardownFailures.WithLabelValues("HttpTestSite")))
}

func TestRestoreFromJournal(t *testing.T) {
	f := newFixture(t)
	storePath := filepath.Join(t.TempDir(), "webhost.db")
	ctx := context.Background()

	store, err := boltstore.New(storePath)
	require.NoError(t, err)
	res, err := New(store, f.params, f.opts).Deploy(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A later process reopens the store and disposes from the journal.
	store, err = boltstore.New(storePath)
	require.NoError(t, err)
	defer store.Close()

	o, err := Restore(ctx, store, f.opts.JournalPath, Options{
		Publisher: f.opts.Publisher,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	assert.Equal(t, res.ID, o.Status().Result.ID)

	require.NoError(t, o.Dispose(ctx))
	_, err = store.LoadPool(ctx, "testapp")
	assert.ErrorIs(t, err, webhost.ErrNotFound)
	site, err := store.LoadSite(ctx, "HttpTestSite")
	require.NoError(t, err)
	_, ok := site.Application("/testapp")
	assert.False(t, ok)
	_, err = os.Stat(res.PublishedPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.opts.JournalPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreWithoutJournal(t *testing.T) {
	_, err := Restore(context.Background(), memstore.New(), filepath.Join(t.TempDir(), "missing.json"), Options{})
	require.Error(t, err)
}
