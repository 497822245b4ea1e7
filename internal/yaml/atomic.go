// Package yaml reads and writes vmhealth's hand-editable YAML files: atomic
// replacement with a .bak copy, a schema header, and recovery of a file
// that no longer parses.
package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// WriteDocument replaces path with a managed file of fileType: the schema
// header followed by body, which must marshal to a mapping. The rendered
// file is checked with ValidateHeader before anything on disk changes.
func WriteDocument(path, fileType string, body any) error {
	head, err := yamlv3.Marshal(Header{SchemaVersion: CurrentSchemaVersion, FileType: fileType})
	if err != nil {
		return fmt.Errorf("yaml marshal header: %w", err)
	}
	rest, err := yamlv3.Marshal(body)
	if err != nil {
		return fmt.Errorf("yaml marshal %s: %w", fileType, err)
	}
	if bytes.HasPrefix(rest, []byte("[")) || bytes.HasPrefix(rest, []byte("- ")) {
		return fmt.Errorf("%s body must be a mapping", fileType)
	}
	return WriteDocumentRaw(path, fileType, append(head, rest...))
}

// WriteDocumentRaw replaces path with content after checking that content
// carries a valid header of fileType.
func WriteDocumentRaw(path, fileType string, content []byte) error {
	return replace(path, content, func(b []byte) error {
		return ValidateHeader(b, fileType)
	})
}

// WriteAtomic marshals v and replaces path with it. Used for files without
// a schema header, such as config.yaml.
func WriteAtomic(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return replace(path, content, validate)
}

// replace checks content, keeps the current file as path.bak and renames a
// synced temp file over path. The file mode of an existing path is kept.
func replace(path string, content []byte, check func([]byte) error) error {
	if err := check(content); err != nil {
		return fmt.Errorf("refusing to write %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	mode := fs.FileMode(0644)
	prev, err := os.ReadFile(path)
	switch {
	case err == nil:
		if info, statErr := os.Stat(path); statErr == nil {
			mode = info.Mode().Perm()
		}
		if err := os.WriteFile(path+".bak", prev, mode); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read current file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func validate(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}
