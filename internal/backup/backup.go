// Package backup manages point-in-time copies of the entity store taken
// before migrations.
//
// Each backup is a store snapshot named splitkeeper_v<version>_<timestamp>.db
// plus a JSON sidecar (<file>.json) holding the schema version, creation
// time, size and a BLAKE2b-256 digest of the snapshot.
package backup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/mmynk/splitkeeper/internal/errs"
	"github.com/mmynk/splitkeeper/internal/storage"
)

const (
	filePrefix      = "splitkeeper_v"
	fileExt         = ".db"
	sidecarExt      = ".json"
	timestampFormat = "20060102T150405Z"
	digestPrefix    = "blake2b-256:"
)

// Backup describes one backup file.
type Backup struct {
	Path      string    `json:"-"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
}

// Manager creates and maintains backups in one directory.
type Manager struct {
	dir    string
	store  storage.Snapshotter
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Manager writing snapshots of store into dir.
func New(dir string, store storage.Snapshotter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    dir,
		store:  store,
		logger: logger.With("component", "backup"),
		now:    time.Now,
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Create snapshots the store, tagged with the schema version it holds.
func (m *Manager) Create(ctx context.Context, version int) (*Backup, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, errs.Wrap(errs.ErrBackupFailed, err, "create backup directory")
	}

	created := m.now().UTC()
	path := m.freePath(version, created)
	if err := m.store.Snapshot(ctx, path); err != nil {
		return nil, errs.Wrap(errs.ErrBackupFailed, err, "snapshot to %s", path)
	}

	digest, size, err := fileDigest(path)
	if err != nil {
		os.Remove(path)
		return nil, errs.Wrap(errs.ErrBackupFailed, err, "digest %s", path)
	}

	b := &Backup{Path: path, Version: version, CreatedAt: created, Size: size, Digest: digest}
	if err := writeSidecar(b); err != nil {
		os.Remove(path)
		return nil, errs.Wrap(errs.ErrBackupFailed, err, "write sidecar for %s", path)
	}

	m.logger.Info("Backup created", "path", path, "version", version, "size", size)
	return b, nil
}

// freePath returns the deterministic name for version and t, suffixed with
// a counter when a backup with that name already exists.
func (m *Manager) freePath(version int, t time.Time) string {
	base := fmt.Sprintf("%s%d_%s", filePrefix, version, t.Format(timestampFormat))
	path := filepath.Join(m.dir, base+fileExt)
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(m.dir, fmt.Sprintf("%s_%d%s", base, i, fileExt))
	}
	return path
}

// List returns the backups with a readable sidecar, newest first.
func (m *Manager) List() ([]Backup, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		path := filepath.Join(m.dir, name)
		b, err := readSidecar(path)
		if err != nil {
			m.logger.Warn("Skipping backup without readable sidecar", "path", path, "error", err)
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Path > out[j].Path
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Verify recomputes the digest of b and compares it with the recorded one.
func (m *Manager) Verify(b Backup) error {
	digest, size, err := fileDigest(b.Path)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if size != b.Size || digest != b.Digest {
		return errs.New(errs.ErrBackupFailed, "backup %s does not match its recorded digest", filepath.Base(b.Path)).
			With("path", b.Path)
	}
	return nil
}

// Prune deletes all but the newest keep backups and returns how many were
// removed. keep < 1 keeps everything.
func (m *Manager) Prune(keep int) (int, error) {
	if keep < 1 {
		return 0, nil
	}
	backups, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, b := range backups[min(keep, len(backups)):] {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove backup %s: %w", b.Path, err)
		}
		os.Remove(b.Path + sidecarExt)
		removed++
	}
	if removed > 0 {
		m.logger.Info("Pruned old backups", "removed", removed, "kept", keep)
	}
	return removed, nil
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return digestPrefix + hex.EncodeToString(h.Sum(nil)), n, nil
}

func writeSidecar(b *Backup) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.Path+sidecarExt, data, 0644)
}

func readSidecar(path string) (*Backup, error) {
	data, err := os.ReadFile(path + sidecarExt)
	if err != nil {
		return nil, err
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	b.Path = path
	return &b, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
