package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProjectFileName is the per-repository config file linking a working copy
// to its Mason dashboard
const ProjectFileName = "mason.config.json"

// ProjectConfig is the contents of mason.config.json
type ProjectConfig struct {
	Version        string `json:"version"`
	DashboardURL   string `json:"dashboardUrl"`
	APIKey         string `json:"apiKey"`
	RepositoryID   string `json:"repositoryId"`
	RepositoryName string `json:"repositoryName"`
	RepositoryPath string `json:"repositoryPath"`
}

// FindProjectConfig searches upward from dir for mason.config.json
func FindProjectConfig(dir string) (string, error) {
	current, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(current, ProjectFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("could not find %s in %s or any parent directory\n"+
				"Run this command inside a Mason-connected repository, or create the file from your dashboard's setup page", ProjectFileName, dir)
		}
		current = parent
	}
}

// LoadProject reads and validates a project config file
func LoadProject(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg ProjectConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing apiKey in %s\n"+
			"Generate an API key from your dashboard's settings page and add it to the file", path)
	}
	if cfg.DashboardURL == "" {
		cfg.DashboardURL = "https://mason.assuredefi.com"
	}
	if cfg.RepositoryPath == "" {
		cfg.RepositoryPath = filepath.Dir(path)
	}

	return &cfg, nil
}
