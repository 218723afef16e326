package deployment

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// ErrInvalidParameters indicates that caller-supplied deployment parameters
// cannot be used.
var ErrInvalidParameters = errors.New("invalid deployment parameters")

type HostingMode string

const (
	HostingModeDefault      HostingMode = "default"
	HostingModeNativeModule HostingMode = "native-module"
)

type Architecture string

const (
	ArchitectureX86 Architecture = "x86"
	ArchitectureX64 Architecture = "x64"
)

// Parameters is the deployment intent handed to the orchestrator. The core
// only reads it.
type Parameters struct {
	ApplicationPath    string       `yaml:"applicationPath" json:"application_path"`
	ApplicationName    string       `yaml:"applicationName,omitempty" json:"application_name,omitempty"`
	ApplicationBaseURI string       `yaml:"applicationBaseUri" json:"application_base_uri"`
	HostingMode        HostingMode  `yaml:"hostingMode" json:"hosting_mode"`
	Architecture       Architecture `yaml:"architecture" json:"architecture"`
	EnvironmentName    string       `yaml:"environmentName" json:"environment_name"`

	// PublishedPath points at already-published output. When set the
	// publish step is skipped.
	PublishedPath string `yaml:"publishedPath,omitempty" json:"published_path,omitempty"`
}

// Name returns the application name used for the pool and the virtual path:
// ApplicationName when set, otherwise the name of the directory containing
// ApplicationPath. Both separators are accepted so Windows paths resolve the
// same on every platform.
func (p Parameters) Name() string {
	if p.ApplicationName != "" {
		return p.ApplicationName
	}
	clean := path.Clean(strings.ReplaceAll(p.ApplicationPath, `\`, "/"))
	return path.Base(path.Dir(clean))
}

func (p Parameters) VirtualPath() string {
	return "/" + p.Name()
}

func (p Parameters) NativeModule() bool {
	return p.HostingMode == HostingModeNativeModule
}

func (p Parameters) Is32Bit() bool {
	return p.Architecture == ArchitectureX86
}

// Port parses the listening port out of ApplicationBaseURI, falling back to
// the scheme default when the hint carries none.
func (p Parameters) Port() (int, error) {
	u, err := url.Parse(p.ApplicationBaseURI)
	if err != nil {
		return 0, fmt.Errorf("%w: base uri %q: %v", ErrInvalidParameters, p.ApplicationBaseURI, err)
	}
	if u.Host == "" {
		return 0, fmt.Errorf("%w: base uri %q has no host", ErrInvalidParameters, p.ApplicationBaseURI)
	}
	raw := u.Port()
	if raw == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			return 443, nil
		default:
			return 80, nil
		}
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: base uri %q: bad port %q", ErrInvalidParameters, p.ApplicationBaseURI, raw)
	}
	return port, nil
}

// BaseURL composes the address the deployed application is reachable at.
func (p Parameters) BaseURL() (string, error) {
	port, err := p.Port()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://localhost:%d%s/", port, p.VirtualPath()), nil
}

func (p Parameters) Validate() error {
	if p.ApplicationPath == "" && p.ApplicationName == "" {
		return fmt.Errorf("%w: application path is required", ErrInvalidParameters)
	}
	if name := p.Name(); name == "" || name == "." || name == "/" || strings.HasSuffix(name, ":") {
		return fmt.Errorf("%w: cannot derive application name from %q", ErrInvalidParameters, p.ApplicationPath)
	}
	switch p.HostingMode {
	case HostingModeDefault, HostingModeNativeModule:
	default:
		return fmt.Errorf("%w: unknown hosting mode %q", ErrInvalidParameters, p.HostingMode)
	}
	switch p.Architecture {
	case ArchitectureX86, ArchitectureX64:
	default:
		return fmt.Errorf("%w: unknown architecture %q", ErrInvalidParameters, p.Architecture)
	}
	if _, err := p.Port(); err != nil {
		return err
	}
	return nil
}

// ParseParametersFile reads a YAML parameters file. Missing mode and
// architecture default to the default hosting mode on x64.
func ParseParametersFile(path string) (*Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseParameters(data)
}

func ParseParameters(data []byte) (*Parameters, error) {
	var p Parameters
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if p.HostingMode == "" {
		p.HostingMode = HostingModeDefault
	}
	if p.Architecture == "" {
		p.Architecture = ArchitectureX64
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
