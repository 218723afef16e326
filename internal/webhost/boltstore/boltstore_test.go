package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balaji-balu/margo-testhost/internal/webhost"
	"github.com/balaji-balu/margo-testhost/internal/webhost/webhosttest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "webhost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContract(t *testing.T) {
	webhosttest.Run(t, func(t *testing.T) webhost.Opener {
		return newStore(t)
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhost.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	sess, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = sess.AddSite(ctx, "HttpTestSite", `C:\inetpub\wwwroot`, 5001)
	require.NoError(t, err)
	_, err = sess.AddApplicationPool(ctx, webhost.ApplicationPool{Name: "pool", Enable32BitAppOnWin64: true})
	require.NoError(t, err)
	_, err = sess.AddApplication(ctx, "HttpTestSite", webhost.Application{Path: "/app", PhysicalPath: `C:\pub`, ApplicationPoolName: "pool"})
	require.NoError(t, err)
	require.NoError(t, sess.CommitChanges(ctx))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	site, err := s.LoadSite(ctx, "HttpTestSite")
	require.NoError(t, err)
	assert.Equal(t, 5001, site.Port)
	app, ok := site.Application("/app")
	require.True(t, ok)
	assert.Equal(t, "pool", app.ApplicationPoolName)

	pool, err := s.LoadPool(ctx, "pool")
	require.NoError(t, err)
	assert.True(t, pool.Enable32BitAppOnWin64)
	assert.Equal(t, webhost.PoolStarted, pool.State)
}

func TestFailedApplyRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.Apply(ctx, []webhost.Change{
		{Kind: webhost.ChangeAddPool, Pool: webhost.ApplicationPool{Name: "pool"}},
		{Kind: webhost.ChangeRemovePool, Pool: webhost.ApplicationPool{Name: "missing"}},
	})
	require.ErrorIs(t, err, webhost.ErrNotFound)

	_, err = s.LoadPool(ctx, "pool")
	assert.ErrorIs(t, err, webhost.ErrNotFound)
}

func TestRemovedPoolIsPruned(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []webhost.Change{
		{Kind: webhost.ChangeAddPool, Pool: webhost.ApplicationPool{Name: "a"}},
		{Kind: webhost.ChangeAddPool, Pool: webhost.ApplicationPool{Name: "b"}},
	}))
	require.NoError(t, s.Apply(ctx, []webhost.Change{
		{Kind: webhost.ChangeRemovePool, Pool: webhost.ApplicationPool{Name: "a"}},
	}))

	_, err := s.LoadPool(ctx, "a")
	assert.ErrorIs(t, err, webhost.ErrNotFound)
	_, err = s.LoadPool(ctx, "b")
	assert.NoError(t, err)
}
