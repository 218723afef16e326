// Package webconfig edits the configuration artifacts inside a published
// application: the hosting environment settings file and web.config.
package webconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beevik/etree"
	"github.com/joho/godotenv"
)

const (
	EnvironmentSettingsFile = "Microsoft.AspNet.Hosting.ini"
	ServerConfigFile        = "web.config"

	EnvironmentKey = "ASPNET_ENV"
)

var (
	// ErrConfigNotFound indicates the server configuration file is missing
	// or unreadable.
	ErrConfigNotFound = errors.New("server configuration not found")

	// ErrConfigMalformed indicates the server configuration file has no
	// configuration root element.
	ErrConfigMalformed = errors.New("server configuration malformed")

	// ErrWriteFailed indicates a configuration artifact could not be written.
	ErrWriteFailed = errors.New("configuration write failed")
)

// WriteEnvironmentSettings overwrites the environment settings file in the
// published root with a single ASPNET_ENV line.
func WriteEnvironmentSettings(publishedRoot, environmentName string) error {
	path := filepath.Join(publishedRoot, EnvironmentSettingsFile)
	line := EnvironmentKey + "=" + environmentName
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWriteFailed, path, err)
	}
	return nil
}

func ReadEnvironmentSettings(publishedRoot string) (map[string]string, error) {
	return godotenv.Read(filepath.Join(publishedRoot, EnvironmentSettingsFile))
}

// PatchServerConfig enables runAllManagedModulesForAllRequests in the
// published web.config and writes the document back in place.
func PatchServerConfig(publishedRoot string) error {
	path := filepath.Join(publishedRoot, ServerConfigFile)
	doc, err := LoadServerConfig(path)
	if err != nil {
		return err
	}
	if err := ApplyRunAllManagedModules(doc); err != nil {
		return err
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("%w: serialize %s: %v", ErrWriteFailed, path, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWriteFailed, path, err)
	}
	return nil
}

func LoadServerConfig(path string) (*etree.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigMalformed, path, err)
	}
	if configurationRoot(doc) == nil {
		return nil, fmt.Errorf("%w: %s: no configuration root element", ErrConfigMalformed, path)
	}
	return doc, nil
}

// ApplyRunAllManagedModules makes sure the document holds exactly one
// configuration/system.webServer/modules element with
// runAllManagedModulesForAllRequests="true". Existing elements are reused,
// so applying it twice yields the same tree.
func ApplyRunAllManagedModules(doc *etree.Document) error {
	root := configurationRoot(doc)
	if root == nil {
		return fmt.Errorf("%w: no configuration root element", ErrConfigMalformed)
	}
	webServer := findOrCreate(root, "system.webServer")
	modules := findOrCreate(webServer, "modules")
	modules.CreateAttr("runAllManagedModulesForAllRequests", "true")
	return nil
}

func configurationRoot(doc *etree.Document) *etree.Element {
	root := doc.Root()
	if root == nil || root.Tag != "configuration" {
		return nil
	}
	return root
}

func findOrCreate(parent *etree.Element, tag string) *etree.Element {
	if el := parent.SelectElement(tag); el != nil {
		return el
	}
	return parent.CreateElement(tag)
}
