// Package memstore is an in-process management subsystem. It backs unit
// tests and dry runs of the deployer.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/balaji-balu/margo-testhost/internal/webhost"
)

// Server holds committed subsystem state shared by all sessions opened on
// it. FailApply and FailStop inject subsystem failures.
type Server struct {
	mu      sync.Mutex
	catalog *webhost.Catalog
	nextID  int64

	FailApply error
	FailStop  error
}

func New() *Server {
	return &Server{catalog: webhost.NewCatalog()}
}

func (s *Server) Open(ctx context.Context) (webhost.Session, error) {
	return webhost.NewStagedSession(s), nil
}

func (s *Server) LoadSite(ctx context.Context, name string) (webhost.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.catalog.Sites[name]
	if !ok {
		return webhost.Site{}, fmt.Errorf("site %q: %w", name, webhost.ErrNotFound)
	}
	site.Applications = append([]webhost.Application(nil), site.Applications...)
	return site, nil
}

func (s *Server) LoadPool(ctx context.Context, name string) (webhost.ApplicationPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.catalog.Pools[name]
	if !ok {
		return webhost.ApplicationPool{}, fmt.Errorf("application pool %q: %w", name, webhost.ErrNotFound)
	}
	return pool, nil
}

func (s *Server) NextSiteID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

// Apply commits changes all-or-nothing.
func (s *Server) Apply(ctx context.Context, changes []webhost.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailApply != nil {
		return s.FailApply
	}
	next := s.catalog.Clone()
	if err := next.Apply(changes); err != nil {
		return err
	}
	s.catalog = next
	return nil
}

func (s *Server) StopPool(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailStop != nil {
		return s.FailStop
	}
	pool, ok := s.catalog.Pools[name]
	if !ok {
		return fmt.Errorf("application pool %q: %w", name, webhost.ErrNotFound)
	}
	pool.State = webhost.PoolStopped
	s.catalog.Pools[name] = pool
	return nil
}

// Snapshot returns a copy of the committed state.
func (s *Server) Snapshot() *webhost.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog.Clone()
}

// Mutate changes committed state directly, the way another administrator
// would between two sessions.
func (s *Server) Mutate(fn func(c *webhost.Catalog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.catalog)
}
