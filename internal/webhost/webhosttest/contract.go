// Package webhosttest provides contract tests for [webhost.Opener]
// implementations.
package webhosttest

import (
	"context"
	"errors"
	"testing"

	"github.com/balaji-balu/margo-testhost/internal/webhost"
)

// Factory creates a fresh, empty [webhost.Opener] for each test invocation.
type Factory func(t *testing.T) webhost.Opener

func open(t *testing.T, o webhost.Opener) webhost.Session {
	t.Helper()
	s, err := o.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, o webhost.Opener) {
	t.Helper()
	ctx := context.Background()
	s := open(t, o)
	if _, err := s.AddSite(ctx, "Site", `C:\inetpub\wwwroot`, 8080); err != nil {
		t.Fatalf("AddSite: %v", err)
	}
	if _, err := s.AddApplicationPool(ctx, webhost.ApplicationPool{Name: "pool"}); err != nil {
		t.Fatalf("AddApplicationPool: %v", err)
	}
	if err := s.CommitChanges(ctx); err != nil {
		t.Fatalf("CommitChanges: %v", err)
	}
}

// Run exercises the [webhost.Opener] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("AddSiteVisibleAfterCommit", func(t *testing.T) {
		o := factory(t)
		ctx := context.Background()

		s := open(t, o)
		site, err := s.AddSite(ctx, "Site", `C:\inetpub\wwwroot`, 8080)
		if err != nil {
			t.Fatalf("AddSite: %v", err)
		}
		if site.ID <= 0 {
			t.Errorf("ID = %d, want > 0", site.ID)
		}

		other := open(t, o)
		if _, err := other.FindSite(ctx, "Site"); !errors.Is(err, webhost.ErrNotFound) {
			t.Fatalf("FindSite before commit: got %v, want ErrNotFound", err)
		}
		if err := s.CommitChanges(ctx); err != nil {
			t.Fatalf("CommitChanges: %v", err)
		}
		got, err := other.FindSite(ctx, "Site")
		if err != nil {
			t.Fatalf("FindSite after commit: %v", err)
		}
		if got.Port != 8080 {
			t.Errorf("Port = %d, want 8080", got.Port)
		}
	})

	t.Run("StagedChangesVisibleInSession", func(t *testing.T) {
		o := factory(t)
		ctx := context.Background()
		s := open(t, o)

		if _, err := s.AddSite(ctx, "Site", `C:\root`, 80); err != nil {
			t.Fatalf("AddSite: %v", err)
		}
		if _, err := s.FindSite(ctx, "Site"); err != nil {
			t.Fatalf("FindSite: %v", err)
		}
		if _, err := s.AddApplicationPool(ctx, webhost.ApplicationPool{Name: "pool"}); err != nil {
			t.Fatalf("AddApplicationPool: %v", err)
		}
		pool, err := s.FindApplicationPool(ctx, "pool")
		if err != nil {
			t.Fatalf("FindApplicationPool: %v", err)
		}
		if pool.State != webhost.PoolStarted {
			t.Errorf("State = %q, want %q", pool.State, webhost.PoolStarted)
		}
	})

	t.Run("DuplicateSite", func(t *testing.T) {
		o := factory(t)
		seed(t, o)
		s := open(t, o)
		_, err := s.AddSite(context.Background(), "Site", `C:\other`, 81)
		if !errors.Is(err, webhost.ErrAlreadyExists) {
			t.Fatalf("AddSite: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("DuplicatePool", func(t *testing.T) {
		o := factory(t)
		seed(t, o)
		s := open(t, o)
		_, err := s.AddApplicationPool(context.Background(), webhost.ApplicationPool{Name: "pool"})
		if !errors.Is(err, webhost.ErrAlreadyExists) {
			t.Fatalf("AddApplicationPool: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("FindNotFound", func(t *testing.T) {
		o := factory(t)
		s := open(t, o)
		ctx := context.Background()
		if _, err := s.FindSite(ctx, "missing"); !errors.Is(err, webhost.ErrNotFound) {
			t.Errorf("FindSite: got %v, want ErrNotFound", err)
		}
		if _, err := s.FindApplicationPool(ctx, "missing"); !errors.Is(err, webhost.ErrNotFound) {
			t.Errorf("FindApplicationPool: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ApplicationLifecycle", func(t *testing.T) {
		o := factory(t)
		seed(t, o)
		ctx := context.Background()

		s := open(t, o)
		app := webhost.Application{Path: "/app", PhysicalPath: `C:\pub\app`, ApplicationPoolName: "pool"}
		if _, err := s.AddApplication(ctx, "Site", app); err != nil {
			t.Fatalf("AddApplication: %v", err)
		}
		if err := s.CommitChanges(ctx); err != nil {
			t.Fatalf("CommitChanges: %v", err)
		}

		s2 := open(t, o)
		site, err := s2.FindSite(ctx, "Site")
		if err != nil {
			t.Fatalf("FindSite: %v", err)
		}
		got, ok := site.Application("/app")
		if !ok {
			t.Fatalf("application /app not registered")
		}
		if got != app {
			t.Errorf("Application = %+v, want %+v", got, app)
		}

		if err := s2.RemoveApplication(ctx, "Site", "/app"); err != nil {
			t.Fatalf("RemoveApplication: %v", err)
		}
		if err := s2.CommitChanges(ctx); err != nil {
			t.Fatalf("CommitChanges: %v", err)
		}
		site, err = open(t, o).FindSite(ctx, "Site")
		if err != nil {
			t.Fatalf("FindSite: %v", err)
		}
		if _, ok := site.Application("/app"); ok {
			t.Errorf("application /app still registered")
		}
	})

	t.Run("RemoveMissingApplication", func(t *testing.T) {
		o := factory(t)
		seed(t, o)
		s := open(t, o)
		err := s.RemoveApplication(context.Background(), "Site", "/missing")
		if !errors.Is(err, webhost.ErrNotFound) {
			t.Fatalf("RemoveApplication: got %v, want ErrNotFound", err)
		}
	})

	t.Run("PoolLifecycle", func(t *testing.T) {
		o := factory(t)
		seed(t, o)
		ctx := context.Background()
		s := open(t, o)

		if err := s.StopApplicationPool(ctx, "pool"); err != nil {
			t.Fatalf("StopApplicationPool: %v", err)
		}
		pool, err := open(t, o).FindApplicationPool(ctx, "pool")
		if err != nil {
			t.Fatalf("FindApplicationPool: %v", err)
		}
		if pool.State != webhost.PoolStopped {
			t.Errorf("State = %q, want %q", pool.State, webhost.PoolStopped)
		}
		if err := s.StopApplicationPool(ctx, "pool"); err != nil {
			t.Errorf("second StopApplicationPool: %v", err)
		}

		if err := s.RemoveApplicationPool(ctx, "pool"); err != nil {
			t.Fatalf("RemoveApplicationPool: %v", err)
		}
		if err := s.CommitChanges(ctx); err != nil {
			t.Fatalf("CommitChanges: %v", err)
		}
		if _, err := open(t, o).FindApplicationPool(ctx, "pool"); !errors.Is(err, webhost.ErrNotFound) {
			t.Fatalf("FindApplicationPool after remove: got %v, want ErrNotFound", err)
		}
	})

	t.Run("StopMissingPool", func(t *testing.T) {
		o := factory(t)
		s := open(t, o)
		err := s.StopApplicationPool(context.Background(), "missing")
		if !errors.Is(err, webhost.ErrNotFound) {
			t.Fatalf("StopApplicationPool: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ConflictingCommit", func(t *testing.T) {
		o := factory(t)
		ctx := context.Background()
		a := open(t, o)
		b := open(t, o)

		if _, err := a.AddApplicationPool(ctx, webhost.ApplicationPool{Name: "pool"}); err != nil {
			t.Fatalf("a.AddApplicationPool: %v", err)
		}
		if _, err := b.AddApplicationPool(ctx, webhost.ApplicationPool{Name: "pool"}); err != nil {
			t.Fatalf("b.AddApplicationPool: %v", err)
		}
		if err := a.CommitChanges(ctx); err != nil {
			t.Fatalf("a.CommitChanges: %v", err)
		}
		if err := b.CommitChanges(ctx); !errors.Is(err, webhost.ErrAlreadyExists) {
			t.Fatalf("b.CommitChanges: got %v, want ErrAlreadyExists", err)
		}
		// The rejected batch is consumed.
		if err := b.CommitChanges(ctx); err != nil {
			t.Fatalf("b.CommitChanges after failure: %v", err)
		}
	})

	t.Run("ClosedSession", func(t *testing.T) {
		o := factory(t)
		s := open(t, o)
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		_, err := s.FindSite(context.Background(), "Site")
		if !errors.Is(err, webhost.ErrUnavailable) {
			t.Fatalf("FindSite on closed session: got %v, want ErrUnavailable", err)
		}
	})
}
