package webhost

import (
	"context"
	"errors"
	"fmt"
)

// Backend is the live side of a staged session.
type Backend interface {
	LoadSite(ctx context.Context, name string) (Site, error)
	LoadPool(ctx context.Context, name string) (ApplicationPool, error)
	NextSiteID(ctx context.Context) (int64, error)

	// Apply flushes staged changes. Backends that can do so apply them
	// all-or-nothing.
	Apply(ctx context.Context, changes []Change) error

	// StopPool stops a live pool. Stopping a stopped pool is not an error.
	StopPool(ctx context.Context, name string) error
}

// StagedSession implements Session on top of a Backend. Reads return the
// live state with the session's pending changes laid over it.
type StagedSession struct {
	backend Backend
	pending []Change
	closed  bool
}

func NewStagedSession(backend Backend) *StagedSession {
	return &StagedSession{backend: backend}
}

var _ Session = (*StagedSession)(nil)

var errSessionClosed = errors.New("session closed")

func (s *StagedSession) check() error {
	if s.closed {
		return fmt.Errorf("%w: %w", ErrUnavailable, errSessionClosed)
	}
	return nil
}

// Pending returns a copy of the changes waiting for CommitChanges.
func (s *StagedSession) Pending() []Change {
	return append([]Change(nil), s.pending...)
}

func (s *StagedSession) FindSite(ctx context.Context, name string) (Site, error) {
	if err := s.check(); err != nil {
		return Site{}, err
	}
	site, err := s.backend.LoadSite(ctx, name)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Site{}, err
	}
	for _, ch := range s.pending {
		switch ch.Kind {
		case ChangeAddSite:
			if ch.Site.Name == name && !found {
				site, found = ch.Site.clone(), true
			}
		case ChangeAddApplication:
			if found && ch.SiteName == name {
				site.Applications, _ = withoutApplication(site.Applications, ch.Application.Path)
				site.Applications = append(site.Applications, ch.Application)
			}
		case ChangeRemoveApplication:
			if found && ch.SiteName == name {
				site.Applications, _ = withoutApplication(site.Applications, ch.Application.Path)
			}
		}
	}
	if !found {
		return Site{}, fmt.Errorf("site %q: %w", name, ErrNotFound)
	}
	return site, nil
}

func (s *StagedSession) AddSite(ctx context.Context, name, rootFolder string, port int) (Site, error) {
	if err := s.check(); err != nil {
		return Site{}, err
	}
	if _, err := s.FindSite(ctx, name); err == nil {
		return Site{}, fmt.Errorf("site %q: %w", name, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return Site{}, err
	}
	id, err := s.backend.NextSiteID(ctx)
	if err != nil {
		return Site{}, fmt.Errorf("allocate site id: %w", err)
	}
	site := Site{ID: id, Name: name, RootFolder: rootFolder, Port: port}
	s.pending = append(s.pending, Change{Kind: ChangeAddSite, Site: site})
	return site.clone(), nil
}

func (s *StagedSession) FindApplicationPool(ctx context.Context, name string) (ApplicationPool, error) {
	if err := s.check(); err != nil {
		return ApplicationPool{}, err
	}
	pool, err := s.backend.LoadPool(ctx, name)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return ApplicationPool{}, err
	}
	for _, ch := range s.pending {
		if ch.Pool.Name != name {
			continue
		}
		switch ch.Kind {
		case ChangeAddPool:
			pool, found = ch.Pool, true
		case ChangeRemovePool:
			found = false
		}
	}
	if !found {
		return ApplicationPool{}, fmt.Errorf("application pool %q: %w", name, ErrNotFound)
	}
	return pool, nil
}

func (s *StagedSession) AddApplicationPool(ctx context.Context, pool ApplicationPool) (ApplicationPool, error) {
	if err := s.check(); err != nil {
		return ApplicationPool{}, err
	}
	if _, err := s.FindApplicationPool(ctx, pool.Name); err == nil {
		return ApplicationPool{}, fmt.Errorf("application pool %q: %w", pool.Name, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return ApplicationPool{}, err
	}
	if pool.State == "" {
		pool.State = PoolStarted
	}
	s.pending = append(s.pending, Change{Kind: ChangeAddPool, Pool: pool})
	return pool, nil
}

func (s *StagedSession) StopApplicationPool(ctx context.Context, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.backend.StopPool(ctx, name); err != nil {
		return fmt.Errorf("stop application pool %q: %w", name, err)
	}
	return nil
}

func (s *StagedSession) RemoveApplicationPool(ctx context.Context, name string) error {
	if _, err := s.FindApplicationPool(ctx, name); err != nil {
		return err
	}
	s.pending = append(s.pending, Change{Kind: ChangeRemovePool, Pool: ApplicationPool{Name: name}})
	return nil
}

func (s *StagedSession) AddApplication(ctx context.Context, siteName string, app Application) (Application, error) {
	site, err := s.FindSite(ctx, siteName)
	if err != nil {
		return Application{}, err
	}
	if _, ok := site.Application(app.Path); ok {
		return Application{}, fmt.Errorf("application %q: %w", app.Path, ErrAlreadyExists)
	}
	s.pending = append(s.pending, Change{Kind: ChangeAddApplication, SiteName: siteName, Application: app})
	return app, nil
}

func (s *StagedSession) RemoveApplication(ctx context.Context, siteName, path string) error {
	site, err := s.FindSite(ctx, siteName)
	if err != nil {
		return err
	}
	if _, ok := site.Application(path); !ok {
		return fmt.Errorf("application %q: %w", path, ErrNotFound)
	}
	s.pending = append(s.pending, Change{
		Kind:        ChangeRemoveApplication,
		SiteName:    siteName,
		Application: Application{Path: path},
	})
	return nil
}

// CommitChanges hands the pending changes to the backend as one batch. The
// batch is consumed whether or not the backend accepts it.
func (s *StagedSession) CommitChanges(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	changes := s.pending
	s.pending = nil
	if len(changes) == 0 {
		return nil
	}
	if err := s.backend.Apply(ctx, changes); err != nil {
		if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
			return fmt.Errorf("commit changes: %w", err)
		}
		return fmt.Errorf("%w: commit changes: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *StagedSession) Close() error {
	s.pending = nil
	s.closed = true
	return nil
}
