// Package webhost describes the server-management subsystem the deployer
// reconciles against: sites, application pools and the applications bound
// to them.
//
// All changes go through a Session. Additions and removals are staged in the
// session and only reach the subsystem on CommitChanges, which flushes them
// as one transaction. Stopping a pool is the exception: it acts on the live
// pool immediately.
package webhost

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates that a site, pool or application does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a name collision with an existing site or
	// pool.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnavailable indicates the subsystem could not apply or report
	// changes.
	ErrUnavailable = errors.New("management subsystem unavailable")
)

type PoolState string

const (
	PoolStarted PoolState = "Started"
	PoolStopped PoolState = "Stopped"
)

type Site struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	RootFolder   string        `json:"root_folder"`
	Port         int           `json:"port"`
	Applications []Application `json:"applications"`
}

// Application returns the application registered at path.
func (s Site) Application(path string) (Application, bool) {
	for _, app := range s.Applications {
		if app.Path == path {
			return app, true
		}
	}
	return Application{}, false
}

type ApplicationPool struct {
	Name string `json:"name"`

	// ManagedRuntimeVersion is empty for the subsystem default.
	ManagedRuntimeVersion string    `json:"managed_runtime_version"`
	Enable32BitAppOnWin64 bool      `json:"enable_32bit_app_on_win64"`
	State                 PoolState `json:"state"`
}

type Application struct {
	Path                string `json:"path"`
	PhysicalPath        string `json:"physical_path"`
	ApplicationPoolName string `json:"application_pool_name"`
}

// Session is an open handle on the management subsystem. A session is not
// safe for concurrent use.
type Session interface {
	FindSite(ctx context.Context, name string) (Site, error)
	AddSite(ctx context.Context, name, rootFolder string, port int) (Site, error)

	FindApplicationPool(ctx context.Context, name string) (ApplicationPool, error)
	AddApplicationPool(ctx context.Context, pool ApplicationPool) (ApplicationPool, error)
	StopApplicationPool(ctx context.Context, name string) error
	RemoveApplicationPool(ctx context.Context, name string) error

	AddApplication(ctx context.Context, siteName string, app Application) (Application, error)
	RemoveApplication(ctx context.Context, siteName, path string) error

	CommitChanges(ctx context.Context) error
	Close() error
}

// Opener opens sessions against one subsystem.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}
