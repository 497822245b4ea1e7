package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// FileTypeMachines is the header file_type of the machine inventory.
const FileTypeMachines = "machines"

// FileTypeRecommendationRules is the header file_type of custom
// recommendation rules.
const FileTypeRecommendationRules = "recommendation_rules"

var validFileTypes = map[string]bool{
	FileTypeMachines:            true,
	FileTypeRecommendationRules: true,
}

var ErrNoBackup = errors.New("no backup file")

// Header is the schema header every managed file starts with.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// ValidateHeader checks content's header against fileType. An empty fileType
// accepts any known type.
func ValidateHeader(content []byte, fileType string) error {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return errors.New("missing file_type")
	case !validFileTypes[h.FileType]:
		return fmt.Errorf("unknown file_type: %q", h.FileType)
	case fileType != "" && h.FileType != fileType:
		return fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, fileType)
	}
	return nil
}

// Quarantine moves path into <dir>/quarantine and returns the new location.
func Quarantine(dir, path string) (string, error) {
	qdir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(qdir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405"))
	dst := filepath.Join(qdir, name)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// RestoreFromBackup copies path.bak over path when the backup parses.
func RestoreFromBackup(path string) error {
	content, err := os.ReadFile(path + ".bak")
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s.bak", ErrNoBackup, path)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validate(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recover quarantines a file that failed to load and puts the backup in its
// place. restored is false when no usable backup existed; path is then gone.
func Recover(dir, path string) (quarantined string, restored bool, err error) {
	quarantined, err = Quarantine(dir, path)
	if err != nil {
		return "", false, err
	}
	if err := RestoreFromBackup(path); err != nil {
		return quarantined, false, nil
	}
	return quarantined, true, nil
}
