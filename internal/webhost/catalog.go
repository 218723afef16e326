package webhost

import "fmt"

type ChangeKind string

const (
	ChangeAddSite           ChangeKind = "add-site"
	ChangeAddPool           ChangeKind = "add-pool"
	ChangeRemovePool        ChangeKind = "remove-pool"
	ChangeAddApplication    ChangeKind = "add-application"
	ChangeRemoveApplication ChangeKind = "remove-application"
)

// Change is one staged mutation. Only the fields relevant to Kind are set.
type Change struct {
	Kind        ChangeKind      `json:"kind"`
	Site        Site            `json:"site"`
	SiteName    string          `json:"site_name,omitempty"`
	Pool        ApplicationPool `json:"pool"`
	Application Application     `json:"application"`
}

// Catalog is the complete state of a subsystem that keeps its own records.
type Catalog struct {
	Sites map[string]Site
	Pools map[string]ApplicationPool
}

func NewCatalog() *Catalog {
	return &Catalog{
		Sites: make(map[string]Site),
		Pools: make(map[string]ApplicationPool),
	}
}

func (c *Catalog) Clone() *Catalog {
	out := NewCatalog()
	for name, site := range c.Sites {
		out.Sites[name] = site.clone()
	}
	for name, pool := range c.Pools {
		out.Pools[name] = pool
	}
	return out
}

// Apply replays changes in order. It stops at the first change that does
// not fit the catalog, leaving the catalog partially modified; callers that
// need all-or-nothing apply to a clone.
func (c *Catalog) Apply(changes []Change) error {
	for i, ch := range changes {
		if err := c.apply(ch); err != nil {
			return fmt.Errorf("change %d (%s): %w", i, ch.Kind, err)
		}
	}
	return nil
}

func (c *Catalog) apply(ch Change) error {
	switch ch.Kind {
	case ChangeAddSite:
		if _, ok := c.Sites[ch.Site.Name]; ok {
			return fmt.Errorf("site %q: %w", ch.Site.Name, ErrAlreadyExists)
		}
		c.Sites[ch.Site.Name] = ch.Site.clone()
	case ChangeAddPool:
		if _, ok := c.Pools[ch.Pool.Name]; ok {
			return fmt.Errorf("application pool %q: %w", ch.Pool.Name, ErrAlreadyExists)
		}
		pool := ch.Pool
		if pool.State == "" {
			pool.State = PoolStarted
		}
		c.Pools[pool.Name] = pool
	case ChangeRemovePool:
		if _, ok := c.Pools[ch.Pool.Name]; !ok {
			return fmt.Errorf("application pool %q: %w", ch.Pool.Name, ErrNotFound)
		}
		delete(c.Pools, ch.Pool.Name)
	case ChangeAddApplication:
		site, ok := c.Sites[ch.SiteName]
		if !ok {
			return fmt.Errorf("site %q: %w", ch.SiteName, ErrNotFound)
		}
		if _, ok := site.Application(ch.Application.Path); ok {
			return fmt.Errorf("application %q: %w", ch.Application.Path, ErrAlreadyExists)
		}
		if _, ok := c.Pools[ch.Application.ApplicationPoolName]; !ok {
			return fmt.Errorf("application pool %q: %w", ch.Application.ApplicationPoolName, ErrNotFound)
		}
		site.Applications = append(site.Applications, ch.Application)
		c.Sites[site.Name] = site
	case ChangeRemoveApplication:
		site, ok := c.Sites[ch.SiteName]
		if !ok {
			return fmt.Errorf("site %q: %w", ch.SiteName, ErrNotFound)
		}
		apps, removed := withoutApplication(site.Applications, ch.Application.Path)
		if !removed {
			return fmt.Errorf("application %q: %w", ch.Application.Path, ErrNotFound)
		}
		site.Applications = apps
		c.Sites[site.Name] = site
	default:
		return fmt.Errorf("unknown change kind %q", ch.Kind)
	}
	return nil
}

func (s Site) clone() Site {
	out := s
	out.Applications = append([]Application(nil), s.Applications...)
	return out
}

func withoutApplication(apps []Application, path string) ([]Application, bool) {
	out := make([]Application, 0, len(apps))
	removed := false
	for _, app := range apps {
		if app.Path == path {
			removed = true
			continue
		}
		out = append(out, app)
	}
	return out, removed
}
