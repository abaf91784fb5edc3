// Package importer loads a project definition, its annotators and media
// folders into the store. It restores the current snapshot first, applies
// the manifest, transfers media into the media directory and persists.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/store"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultMediaDir is where media collections are transferred to.
const DefaultMediaDir = "storage/projectFiles"

// Options configures an import run.
type Options struct {
	Store    *store.Store
	Logger   pslog.Logger
	MediaDir string
	// Reset clears the store after restoring and before inserting.
	Reset bool
	// Move renames media files instead of copying them.
	Move bool
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// CollectionSummary reports one transferred media collection.
type CollectionSummary struct {
	CollectionID string
	Destination  string
	Files        int
	Bytes        int64
}

// Summary reports an import run.
type Summary struct {
	ProjectID   string
	Users       int
	Collections []CollectionSummary
	Persist     store.PersistResult
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (api.ImportManifest, error) {
	var m api.ImportManifest
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("importer: read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("importer: decode manifest %s: %w", path, err)
	}
	return m, Validate(m)
}

// Validate checks ids and that every collection path is a directory.
func Validate(m api.ImportManifest) error {
	if strings.TrimSpace(m.ProjectID) == "" {
		return errors.New("importer: projectId required")
	}
	if strings.Contains(m.ProjectID, store.Delimiter) {
		return fmt.Errorf("importer: projectId %q contains %q", m.ProjectID, store.Delimiter)
	}
	for i, c := range m.CollectionData {
		if strings.TrimSpace(c.CollectionID) == "" {
			return fmt.Errorf("importer: collectionData[%d]: collectionId required", i)
		}
		if c.CollectionID != filepath.Base(c.CollectionID) || c.CollectionID == ".." {
			return fmt.Errorf("importer: collectionData[%d]: invalid collectionId %q", i, c.CollectionID)
		}
		fi, err := os.Stat(c.Path)
		if err != nil {
			return fmt.Errorf("importer: locate media collection %s: %w", c.Path, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("importer: media collection %s is not a directory", c.Path)
		}
	}
	for i, u := range m.Users {
		if strings.TrimSpace(u.Username) == "" {
			return fmt.Errorf("importer: users[%d]: username required", i)
		}
		if strings.Contains(u.Username, store.Delimiter) {
			return fmt.Errorf("importer: users[%d]: username %q contains %q", i, u.Username, store.Delimiter)
		}
	}
	return nil
}

// Run applies m to the store and persists the result.
func Run(ctx context.Context, opts Options, m api.ImportManifest) (Summary, error) {
	if opts.Store == nil {
		return Summary{}, errors.New("importer: store required")
	}
	if err := Validate(m); err != nil {
		return Summary{}, err
	}
	if opts.MediaDir == "" {
		opts.MediaDir = DefaultMediaDir
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	logger := svcfields.WithSubsystem(opts.Logger, "importer").With("project_id", m.ProjectID)
	summary := Summary{ProjectID: m.ProjectID}

	logger.Info("importer.restore.begin")
	switch err := opts.Store.Restore(ctx); {
	case errors.Is(err, store.ErrNoSnapshot):
		logger.Info("importer.restore.empty")
	case err != nil:
		logger.Warn("importer.restore.failed", "error", err)
	}
	if opts.Reset {
		logger.Info("importer.reset")
		opts.Store.Reset()
	}

	project := m.ProjectData
	project.Normalize()
	opts.Store.Projects().Set(store.NewKey(m.ProjectID), project)
	logger.Info("importer.project.inserted", "title", project.Title)

	for _, u := range m.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), opts.BcryptCost)
		if err != nil {
			return summary, fmt.Errorf("importer: hash password for %s: %w", u.Username, err)
		}
		opts.Store.Identities().Set(store.NewKey(u.Username), api.Identity{
			Username:     u.Username,
			PasswordHash: string(hash),
			ScreenName:   u.ScreenName,
		})
		summary.Users++
	}
	logger.Info("importer.users.inserted", "count", summary.Users)

	for _, c := range m.CollectionData {
		dest := filepath.Join(opts.MediaDir, m.ProjectID, c.CollectionID)
		cs, err := transferCollection(c.Path, dest, opts.Move)
		if err != nil {
			return summary, fmt.Errorf("importer: transfer collection %s: %w", c.CollectionID, err)
		}
		cs.CollectionID = c.CollectionID
		summary.Collections = append(summary.Collections, cs)
		logger.Info("importer.collection.transferred",
			"collection_id", c.CollectionID,
			"files", cs.Files,
			"size", humanize.IBytes(uint64(cs.Bytes)),
			"moved", opts.Move,
		)
	}

	result, err := opts.Store.Persist(ctx)
	if err != nil {
		return summary, fmt.Errorf("importer: persist: %w", err)
	}
	summary.Persist = result
	logger.Info("importer.complete",
		"users", summary.Users,
		"collections", len(summary.Collections),
		"snapshot_size", humanize.IBytes(uint64(result.Bytes)),
	)
	return summary, nil
}

// transferCollection recreates dest and copies or moves every regular file
// directly inside src into it. Subdirectories are skipped.
func transferCollection(src, dest string, move bool) (CollectionSummary, error) {
	cs := CollectionSummary{Destination: dest}
	if err := os.RemoveAll(dest); err != nil {
		return cs, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return cs, err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return cs, err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dest, entry.Name())
		var n int64
		if move {
			n, err = moveFile(from, to)
		} else {
			n, err = copyFile(from, to)
		}
		if err != nil {
			return cs, err
		}
		cs.Files++
		cs.Bytes += n
	}
	return cs, nil
}

func moveFile(from, to string) (int64, error) {
	fi, err := os.Stat(from)
	if err != nil {
		return 0, err
	}
	err = os.Rename(from, to)
	if err == nil {
		return fi.Size(), nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return 0, err
	}
	n, err := copyFile(from, to)
	if err != nil {
		return 0, err
	}
	return n, os.Remove(from)
}

func copyFile(from, to string) (n int64, err error) {
	in, err := os.Open(from)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return 0, err
	}
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	return io.Copy(out, in)
}
