// Package appcmd drives a real IIS installation through appcmd.exe.
//
// Reads run "appcmd list ... /xml" and parse the output. Staged changes are
// replayed as one appcmd invocation each on commit. appcmd has no
// transactions, so a failing command leaves the commands before it applied.
package appcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/internal/webhost"
)

// DefaultPath is where appcmd lives on a stock Windows install.
const DefaultPath = `C:\Windows\System32\inetsrv\appcmd.exe`

// Runner executes appcmd with args and returns its combined output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// ExecRunner runs the appcmd binary at path.
func ExecRunner(path string) Runner {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, path, args...).CombinedOutput()
	}
}

type Backend struct {
	run Runner
	log *zap.Logger
}

func New(run Runner, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{run: run, log: log}
}

func (b *Backend) Open(ctx context.Context) (webhost.Session, error) {
	if _, err := b.list(ctx, "list", "site", "/xml"); err != nil {
		return nil, err
	}
	return webhost.NewStagedSession(b), nil
}

func (b *Backend) exec(ctx context.Context, args ...string) ([]byte, error) {
	out, err := b.run(ctx, args...)
	b.log.Debug("appcmd", zap.Strings("args", args), zap.Error(err))
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "ERROR ( message:Cannot find") {
			return out, fmt.Errorf("appcmd %s: %s: %w", strings.Join(args, " "), msg, webhost.ErrNotFound)
		}
		if strings.Contains(msg, "already exists") {
			return out, fmt.Errorf("appcmd %s: %s: %w", strings.Join(args, " "), msg, webhost.ErrAlreadyExists)
		}
		return out, fmt.Errorf("%w: appcmd %s: %s: %w", webhost.ErrUnavailable, strings.Join(args, " "), msg, err)
	}
	return out, nil
}

// list runs a list command and returns the child elements of <appcmd>.
func (b *Backend) list(ctx context.Context, args ...string) ([]*etree.Element, error) {
	out, err := b.exec(ctx, args...)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(bytes.TrimSpace(out)); err != nil {
		return nil, fmt.Errorf("%w: parse appcmd output: %w", webhost.ErrUnavailable, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "appcmd" {
		return nil, fmt.Errorf("%w: unexpected appcmd output", webhost.ErrUnavailable)
	}
	return root.ChildElements(), nil
}

func (b *Backend) LoadSite(ctx context.Context, name string) (webhost.Site, error) {
	sites, err := b.list(ctx, "list", "site", "/site.name:"+name, "/xml")
	if err != nil {
		return webhost.Site{}, err
	}
	if len(sites) == 0 {
		return webhost.Site{}, fmt.Errorf("site %q: %w", name, webhost.ErrNotFound)
	}
	el := sites[0]
	id, _ := strconv.ParseInt(el.SelectAttrValue("SITE.ID", "0"), 10, 64)
	site := webhost.Site{
		ID:   id,
		Name: el.SelectAttrValue("SITE.NAME", name),
		Port: bindingPort(el.SelectAttrValue("bindings", "")),
	}

	vdirs, err := b.list(ctx, "list", "vdir", "/app.name:"+name+"/", "/xml")
	if err != nil {
		return webhost.Site{}, err
	}
	for _, vd := range vdirs {
		if vd.SelectAttrValue("path", "") == "/" {
			site.RootFolder = vd.SelectAttrValue("physicalPath", "")
		}
	}

	apps, err := b.list(ctx, "list", "app", "/site.name:"+name, "/xml")
	if err != nil {
		return webhost.Site{}, err
	}
	for _, el := range apps {
		path := el.SelectAttrValue("path", "")
		if path == "/" {
			continue
		}
		app := webhost.Application{
			Path:                path,
			ApplicationPoolName: el.SelectAttrValue("APPPOOL.NAME", ""),
		}
		vdirs, err := b.list(ctx, "list", "vdir", "/app.name:"+el.SelectAttrValue("APP.NAME", ""), "/xml")
		if err != nil {
			return webhost.Site{}, err
		}
		if len(vdirs) > 0 {
			app.PhysicalPath = vdirs[0].SelectAttrValue("physicalPath", "")
		}
		site.Applications = append(site.Applications, app)
	}
	return site, nil
}

func (b *Backend) LoadPool(ctx context.Context, name string) (webhost.ApplicationPool, error) {
	pools, err := b.list(ctx, "list", "apppool", "/apppool.name:"+name, "/config", "/xml")
	if err != nil {
		return webhost.ApplicationPool{}, err
	}
	if len(pools) == 0 {
		return webhost.ApplicationPool{}, fmt.Errorf("application pool %q: %w", name, webhost.ErrNotFound)
	}
	el := pools[0]
	pool := webhost.ApplicationPool{
		Name:                  el.SelectAttrValue("APPPOOL.NAME", name),
		ManagedRuntimeVersion: el.SelectAttrValue("RuntimeVersion", ""),
		State:                 webhost.PoolState(el.SelectAttrValue("state", string(webhost.PoolStarted))),
	}
	if add := el.FindElement("add"); add != nil {
		pool.ManagedRuntimeVersion = add.SelectAttrValue("managedRuntimeVersion", pool.ManagedRuntimeVersion)
		pool.Enable32BitAppOnWin64 = add.SelectAttrValue("enable32BitAppOnWin64", "false") == "true"
	}
	return pool, nil
}

func (b *Backend) NextSiteID(ctx context.Context) (int64, error) {
	sites, err := b.list(ctx, "list", "site", "/xml")
	if err != nil {
		return 0, err
	}
	var highest int64
	for _, el := range sites {
		id, _ := strconv.ParseInt(el.SelectAttrValue("SITE.ID", "0"), 10, 64)
		if id > highest {
			highest = id
		}
	}
	return highest + 1, nil
}

func (b *Backend) Apply(ctx context.Context, changes []webhost.Change) error {
	for i, ch := range changes {
		args, err := commandFor(ch)
		if err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
		if _, err := b.exec(ctx, args...); err != nil {
			return fmt.Errorf("change %d (%s): %w", i, ch.Kind, err)
		}
	}
	return nil
}

func (b *Backend) StopPool(ctx context.Context, name string) error {
	pool, err := b.LoadPool(ctx, name)
	if err != nil {
		return err
	}
	if pool.State == webhost.PoolStopped {
		return nil
	}
	_, err = b.exec(ctx, "stop", "apppool", "/apppool.name:"+name)
	return err
}

func commandFor(ch webhost.Change) ([]string, error) {
	switch ch.Kind {
	case webhost.ChangeAddSite:
		return []string{
			"add", "site",
			"/name:" + ch.Site.Name,
			"/id:" + strconv.FormatInt(ch.Site.ID, 10),
			fmt.Sprintf("/bindings:http/*:%d:", ch.Site.Port),
			"/physicalPath:" + ch.Site.RootFolder,
		}, nil
	case webhost.ChangeAddPool:
		args := []string{"add", "apppool", "/name:" + ch.Pool.Name}
		// An empty value would pin the pool to "No Managed Code".
		if ch.Pool.ManagedRuntimeVersion != "" {
			args = append(args, "/managedRuntimeVersion:"+ch.Pool.ManagedRuntimeVersion)
		}
		return append(args, "/enable32BitAppOnWin64:"+strconv.FormatBool(ch.Pool.Enable32BitAppOnWin64)), nil
	case webhost.ChangeRemovePool:
		return []string{"delete", "apppool", "/apppool.name:" + ch.Pool.Name}, nil
	case webhost.ChangeAddApplication:
		return []string{
			"add", "app",
			"/site.name:" + ch.SiteName,
			"/path:" + ch.Application.Path,
			"/physicalPath:" + ch.Application.PhysicalPath,
			"/applicationPool:" + ch.Application.ApplicationPoolName,
		}, nil
	case webhost.ChangeRemoveApplication:
		return []string{"delete", "app", "/app.name:" + ch.SiteName + ch.Application.Path}, nil
	}
	return nil, fmt.Errorf("unknown change kind %q", ch.Kind)
}

// bindingPort extracts the port of the first binding, e.g. "http/*:80:".
func bindingPort(bindings string) int {
	first, _, _ := strings.Cut(bindings, ",")
	_, info, ok := strings.Cut(first, "/")
	if !ok {
		return 0
	}
	parts := strings.Split(info, ":")
	if len(parts) < 2 {
		return 0
	}
	port, _ := strconv.Atoi(parts[1])
	return port
}
