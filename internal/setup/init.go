// Package setup initializes a vmhealth data directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/vmhealth/internal/config"
	"github.com/msageha/vmhealth/internal/model"
	atomicyaml "github.com/msageha/vmhealth/internal/yaml"
	"github.com/msageha/vmhealth/templates"
)

// DirName is the data directory created under the target directory.
const DirName = ".vmhealth"

// Run creates <dir>/.vmhealth with a default config.yaml, an empty
// machines.yaml and the working directories, and returns its path.
// The agent token is generated unless token is given.
func Run(dir, token string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"locks", "logs", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(token)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.WriteAtomic(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	if err := copyTemplateFile("machines.yaml", atomicyaml.FileTypeMachines, filepath.Join(base, cfg.Inventory.Path)); err != nil {
		return "", err
	}
	return base, nil
}

func copyTemplateFile(name, fileType, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicyaml.WriteDocumentRaw(dst, fileType, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(token string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	cfg := config.Default()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if token = strings.TrimSpace(token); token == "" {
		u, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("generate agent token: %w", err)
		}
		token = u.String()
	}
	cfg.Agent.Token = token

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
