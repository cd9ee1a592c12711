package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/clawgate/internal/config"
)

// ResolveStorePath expands a leading "~" against the state root and cleans
// the result. An empty path resolves to the default store location.
func ResolveStorePath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = config.DefaultCronStore
	}
	p, err := config.ExpandHome(raw)
	if err != nil {
		return "", fmt.Errorf("resolve cron store path: %w", err)
	}
	return filepath.Clean(p), nil
}

// NewStoreFile returns an empty store document.
func NewStoreFile() *StoreFile {
	return &StoreFile{Version: StoreVersion, Jobs: []Job{}}
}

// Load reads the store at path. A missing file yields an empty store and
// is not created.
func Load(path string) (*StoreFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewStoreFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron store %s: %w", path, err)
	}

	var sf StoreFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse cron store %s: %w", path, err)
	}
	switch sf.Version {
	case 0:
		// Files written before versioning carry no version field.
		sf.Version = StoreVersion
	case StoreVersion:
	default:
		return nil, fmt.Errorf("unsupported cron store version %d in %s", sf.Version, path)
	}
	if sf.Jobs == nil {
		sf.Jobs = []Job{}
	}
	seen := make(map[string]struct{}, len(sf.Jobs))
	for _, j := range sf.Jobs {
		if strings.TrimSpace(j.ID) == "" {
			return nil, fmt.Errorf("cron store %s: job without id", path)
		}
		if _, dup := seen[j.ID]; dup {
			return nil, fmt.Errorf("cron store %s: duplicate job id %q", path, j.ID)
		}
		seen[j.ID] = struct{}{}
	}
	return &sf, nil
}

// Save writes sf to path atomically: the document goes to a temp file in
// the same directory which is then renamed over the target, so readers see
// either the old or the new store.
func Save(path string, sf *StoreFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cron store dir: %w", err)
	}
	out := *sf
	out.Version = StoreVersion
	if out.Jobs == nil {
		out.Jobs = []Job{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cron store: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp cron store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp cron store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace cron store: %w", err)
	}
	return nil
}
