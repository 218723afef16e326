package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

// Journal records a committed deployment so that another process can tear
// it down.
type Journal struct {
	ID            string                `json:"id"`
	SiteName      string                `json:"site_name"`
	BaseURL       string                `json:"base_url"`
	PublishedPath string                `json:"published_path"`
	Parameters    deployment.Parameters `json:"parameters"`
	DeployedAt    time.Time             `json:"deployed_at"`
}

func SaveJournal(path string, j Journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func LoadJournal(path string) (*Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode journal %s: %w", path, err)
	}
	return &j, nil
}

func RemoveJournal(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
