package webhost_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balaji-balu/margo-testhost/internal/webhost"
	"github.com/balaji-balu/margo-testhost/internal/webhost/memstore"
)

func TestPendingTracksStagedChanges(t *testing.T) {
	ctx := context.Background()
	sess := webhost.NewStagedSession(memstore.New())

	_, err := sess.AddSite(ctx, "Site", `C:\root`, 80)
	require.NoError(t, err)
	_, err = sess.AddApplicationPool(ctx, webhost.ApplicationPool{Name: "pool"})
	require.NoError(t, err)
	_, err = sess.AddApplication(ctx, "Site", webhost.Application{Path: "/app", ApplicationPoolName: "pool"})
	require.NoError(t, err)

	kinds := []webhost.ChangeKind{}
	for _, ch := range sess.Pending() {
		kinds = append(kinds, ch.Kind)
	}
	assert.Equal(t, []webhost.ChangeKind{
		webhost.ChangeAddSite,
		webhost.ChangeAddPool,
		webhost.ChangeAddApplication,
	}, kinds)

	require.NoError(t, sess.CommitChanges(ctx))
	assert.Empty(t, sess.Pending())
}

func TestStagedRemovalHidesPool(t *testing.T) {
	ctx := context.Background()
	srv := memstore.New()
	srv.Mutate(func(c *webhost.Catalog) {
		c.Pools["pool"] = webhost.ApplicationPool{Name: "pool", State: webhost.PoolStarted}
	})
	sess, err := srv.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.RemoveApplicationPool(ctx, "pool"))
	_, err = sess.FindApplicationPool(ctx, "pool")
	require.ErrorIs(t, err, webhost.ErrNotFound)

	// Still live until commit.
	_, ok := srv.Snapshot().Pools["pool"]
	assert.True(t, ok)
}

func TestCatalogApplyRequiresPool(t *testing.T) {
	c := webhost.NewCatalog()
	c.Sites["Site"] = webhost.Site{ID: 1, Name: "Site"}

	err := c.Apply([]webhost.Change{{
		Kind:        webhost.ChangeAddApplication,
		SiteName:    "Site",
		Application: webhost.Application{Path: "/app", ApplicationPoolName: "missing"},
	}})
	require.ErrorIs(t, err, webhost.ErrNotFound)
}

func TestCatalogCloneIsDeep(t *testing.T) {
	c := webhost.NewCatalog()
	c.Sites["Site"] = webhost.Site{Name: "Site", Applications: []webhost.Application{{Path: "/a"}}}

	clone := c.Clone()
	clone.Sites["Site"].Applications[0].Path = "/b"

	assert.Equal(t, "/a", c.Sites["Site"].Applications[0].Path)
}
