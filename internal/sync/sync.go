// Package sync reconciles deck sources with the item catalogue. Items found
// in a source are inserted or restored; items that disappeared are retired,
// never deleted, so learners keep their cards and review history.
package sync

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/gitsource"
	"github.com/conorfennell/kioku/internal/knol"
	"github.com/conorfennell/kioku/internal/parser"
)

// Catalog is the storage the syncer reads and writes.
type Catalog interface {
	InsertSource(ctx context.Context, path, typ string) (int64, error)
	FindSourceByPath(ctx context.Context, path string) (*domain.Source, error)
	GetAllSources(ctx context.Context) ([]domain.Source, error)
	UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error

	UpsertItem(ctx context.Context, item domain.Item, sourceID int64) (bool, error)
	GetItemsBySourceID(ctx context.Context, sourceID int64, includeRetired bool) ([]domain.Item, error)
	RetireItem(ctx context.Context, hash string, at time.Time) error
}

// Report summarises one source's reconciliation.
type Report struct {
	SourceID int64    `json:"source_id"`
	Path     string   `json:"path"`
	Parsed   int      `json:"parsed"`
	Inserted int      `json:"inserted"`
	Restored int      `json:"restored"`
	Retired  int      `json:"retired"`
	Errors   []string `json:"errors,omitempty"`
}

// Syncer reconciles sources. Git sources are checked out under reposDir.
type Syncer struct {
	catalog  Catalog
	reposDir string
	now      func() time.Time
	fetch    func(ctx context.Context, url, localPath string) error
}

func New(catalog Catalog, reposDir string) *Syncer {
	return &Syncer{
		catalog:  catalog,
		reposDir: reposDir,
		now:      time.Now,
		fetch:    gitsource.Sync,
	}
}

// AddSource registers a local directory or git URL. Adding a source that is
// already registered returns the existing one.
func (s *Syncer) AddSource(ctx context.Context, pathOrURL string) (*domain.Source, bool, error) {
	pathOrURL = strings.TrimSpace(pathOrURL)
	if pathOrURL == "" {
		return nil, false, kerrors.NewInvalidRequest("source path is required")
	}

	typ := domain.SourceGit
	if !gitsource.IsRepoURL(pathOrURL) {
		typ = domain.SourceLocal
		abs, err := filepath.Abs(pathOrURL)
		if err != nil {
			return nil, false, kerrors.NewInvalidRequest(fmt.Sprintf("bad source path %q: %v", pathOrURL, err))
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return nil, false, kerrors.NewInvalidRequest(fmt.Sprintf("source %s is not a directory", abs))
		}
		pathOrURL = abs
	}

	if existing, err := s.catalog.FindSourceByPath(ctx, pathOrURL); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}
	id, err := s.catalog.InsertSource(ctx, pathOrURL, typ)
	if err != nil {
		return nil, false, err
	}
	log.Ctx(ctx).Info().Int64("source_id", id).Str("type", typ).Str("path", pathOrURL).Msg("source-added")
	return &domain.Source{ID: id, Path: pathOrURL, Type: typ}, true, nil
}

// Run reconciles every registered source. A failing source is reported and
// the remaining sources are still processed.
func (s *Syncer) Run(ctx context.Context) ([]Report, error) {
	sources, err := s.catalog.GetAllSources(ctx)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		log.Ctx(ctx).Info().Msg("sync-no-sources")
		return nil, nil
	}

	reports := make([]Report, 0, len(sources))
	for _, src := range sources {
		rep, err := s.SyncSource(ctx, src)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Int64("source_id", src.ID).Str("path", src.Path).Msg("sync-source-failed")
			rep = &Report{SourceID: src.ID, Path: src.Path, Errors: []string{err.Error()}}
		}
		reports = append(reports, *rep)
	}
	return reports, nil
}

// SyncSource reconciles a single source.
func (s *Syncer) SyncSource(ctx context.Context, src domain.Source) (*Report, error) {
	dir := src.Path
	if src.Type == domain.SourceGit {
		local, err := gitsource.LocalPath(s.reposDir, src.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create repos directory: %w", err)
		}
		if err := s.fetch(ctx, src.Path, local); err != nil {
			return nil, err
		}
		dir = local
	}
	return s.reconcile(ctx, src, dir)
}

func (s *Syncer) reconcile(ctx context.Context, src domain.Source, dir string) (*Report, error) {
	rep := &Report{SourceID: src.ID, Path: src.Path}

	known, err := s.catalog.GetItemsBySourceID(ctx, src.ID, true)
	if err != nil {
		return nil, err
	}
	retired := make(map[string]bool, len(known))
	for _, it := range known {
		retired[it.Hash] = it.Retired
	}

	seen := make(map[string]bool)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !isDeckFile(d.Name()) {
			return nil
		}

		items, parseErr := parser.ParseFile(path)
		if parseErr != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("parsing %s: %v", path, parseErr))
			return nil
		}
		for _, item := range items {
			item.Hash = knol.Hash(item)
			if seen[item.Hash] {
				continue
			}
			seen[item.Hash] = true
			rep.Parsed++

			inserted, err := s.catalog.UpsertItem(ctx, item, src.ID)
			if err != nil {
				return err
			}
			switch {
			case inserted:
				rep.Inserted++
			case retired[item.Hash]:
				rep.Restored++
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, walkErr)
	}

	now := s.now()
	// A file that failed to parse would look like a mass removal.
	if len(rep.Errors) == 0 {
		for _, it := range known {
			if it.Retired || seen[it.Hash] {
				continue
			}
			if err := s.catalog.RetireItem(ctx, it.Hash, now); err != nil {
				return nil, err
			}
			rep.Retired++
		}
	} else {
		log.Ctx(ctx).Warn().Int64("source_id", src.ID).Strs("errors", rep.Errors).Msg("sync-retire-skipped")
	}

	if err := s.catalog.UpdateSourceLastScanned(ctx, src.ID, now); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Int64("source_id", src.ID).
		Str("path", src.Path).
		Int("parsed", rep.Parsed).
		Int("inserted", rep.Inserted).
		Int("restored", rep.Restored).
		Int("retired", rep.Retired).
		Int("errors", len(rep.Errors)).
		Msg("source-synced")
	return rep, nil
}

func isDeckFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".markdown"
}
