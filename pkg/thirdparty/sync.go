package thirdparty

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
)

// StampStore persists the stamp of every extracted dependency.
type StampStore interface {
	Stamp(ctx context.Context, name string) (string, error)
	SetStamp(ctx context.Context, name, stamp string) error
}

type SyncOptions struct {
	Root string
	Jobs int
	// Vars are added to the manifest and builtin variables.
	Vars   map[string]string
	Only   []string
	Force  bool
	Update bool
	DryRun bool
	Stdout io.Writer
	Stderr io.Writer
}

type SyncResult struct {
	Fetched []string
	Skipped []string
	// Updated maps dep names to their new checksum.
	Updated map[string]string
}

// DestPath returns the absolute extraction directory of dep.
func DestPath(root string, dep Dep) string {
	if filepath.IsAbs(dep.Dest) {
		return dep.Dest
	}
	return filepath.Join(root, dep.Dest)
}

type syncState struct {
	lock   sync.Mutex
	result SyncResult
}

func (s *syncState) add(list *[]string, name string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	*list = append(*list, name)
}

func (s *syncState) update(name, digest string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.result.Updated[name] = digest
}

// Sync downloads and extracts every dependency whose stamp is outdated or whose destination is missing.
// With Update, checksums are recomputed (even for deps that don't match the current platform) and
// written back to the manifest.
func Sync(ctx context.Context, m *Manifest, stamps StampStore, dl *Downloader, opts SyncOptions) (SyncResult, error) {
	vars := m.Variables(BuiltinVars())
	for k, v := range opts.Vars {
		vars[k] = v
	}

	entries, err := m.Entries(vars, opts.Only)
	if err != nil {
		return SyncResult{}, err
	}

	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}
	if jobs > 1 {
		dl.Progress = false
	}

	state := &syncState{result: SyncResult{Updated: map[string]string{}}}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(jobs)

	for _, entry := range entries {
		entry := entry
		eg.Go(func() error {
			fetched, err := syncEntry(egCtx, entry, stamps, dl, opts, state)
			if err != nil {
				return eris.Wrapf(err, "failed to process %s", entry.Name)
			}

			if fetched {
				state.add(&state.result.Fetched, entry.Name)
			} else {
				state.add(&state.result.Skipped, entry.Name)
			}
			return nil
		})
	}

	err = eg.Wait()
	sort.Strings(state.result.Fetched)
	sort.Strings(state.result.Skipped)
	if err != nil {
		return state.result, err
	}

	if opts.Update && len(state.result.Updated) > 0 && !opts.DryRun {
		buildsys.Log(ctx).Info().Str("path", m.Path()).Msgf("updating %d checksums", len(state.result.Updated))
		err = m.UpdateChecksums(state.result.Updated)
		if err != nil {
			return state.result, err
		}
	}

	return state.result, nil
}

func syncEntry(ctx context.Context, entry Entry, stamps StampStore, dl *Downloader, opts SyncOptions, state *syncState) (bool, error) {
	log := buildsys.Log(ctx).With().Str("dep", entry.Name).Logger()
	dep := entry.Dep

	// Inactive deps are still downloaded during updates to compute their checksums.
	if !entry.Active && !opts.Update {
		log.Debug().Msg("skipped due to conditions")
		return false, nil
	}

	destPath := DestPath(opts.Root, dep)
	destInfo, err := os.Stat(destPath)
	destExists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, eris.Wrapf(err, "failed to check %s", destPath)
	}

	stamp, err := stamps.Stamp(ctx, entry.Name)
	if err != nil {
		return false, eris.Wrap(err, "failed to read stamp")
	}

	if !opts.Force && !opts.Update && destExists && stamp == dep.Stamp() {
		log.Debug().Msg("up to date")
		return false, nil
	}

	if dep.Sha256 == "" && !opts.Update {
		return false, MissingChecksum{Dep: entry.Name}
	}

	if !IsSupportedArchive(dep.URL) {
		return false, eris.Errorf("archive format of %s not supported", dep.URL)
	}

	log.Info().Str("url", dep.URL).Msg("fetching")
	if opts.DryRun {
		return true, nil
	}

	archive, digest, err := dl.Fetch(ctx, entry.Name, dep.URL, dep.Sha256)
	if err != nil {
		return false, err
	}

	if digest != dep.Sha256 {
		if !opts.Update {
			return false, ChecksumMismatch{Dep: entry.Name, Expected: dep.Sha256, Actual: digest}
		}

		log.Info().Str("sha256", digest).Msg("updating checksum")
		state.update(entry.Name, digest)
		dep.Sha256 = digest
	}

	if !entry.Active {
		return false, nil
	}

	if opts.Update && !opts.Force && destExists && stamp == dep.Stamp() {
		return false, nil
	}

	if destExists {
		log.Info().Str("path", destPath).Msg("removing previous contents")
		if destInfo.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return false, eris.Wrapf(err, "failed to remove %s", destPath)
		}
	}

	stat, err := os.Stat(archive)
	if err != nil {
		return false, eris.Wrapf(err, "failed to check %s", archive)
	}

	bar := dl.progressBar(stat.Size(), "      extract")
	err = Extract(archive, dep.URL, destPath, dep.Strip, bar)
	if err != nil {
		return false, err
	}

	err = applyPatches(ctx, opts, destPath, dep.Patches)
	if err != nil {
		return false, err
	}

	if runtime.GOOS != "windows" {
		// .zip files don't carry permissions which means we have to manually fix permissions for binaries in .zip files
		for _, binPath := range dep.MarkExec {
			binPath = filepath.Join(destPath, binPath)
			fi, err := os.Stat(binPath)
			if err != nil {
				return false, eris.Wrapf(err, "failed to read permissions for %s", binPath)
			}

			err = os.Chmod(binPath, fi.Mode()|0o700)
			if err != nil {
				return false, eris.Wrapf(err, "failed to mark %s as executable", binPath)
			}
		}
	}

	err = stamps.SetStamp(ctx, entry.Name, dep.Stamp())
	if err != nil {
		return false, eris.Wrap(err, "failed to save stamp")
	}

	log.Info().Str("path", destPath).Msg("extracted")
	return true, nil
}

func applyPatches(ctx context.Context, opts SyncOptions, destPath string, patches []string) error {
	for _, patch := range patches {
		if !filepath.IsAbs(patch) {
			patch = filepath.Join(opts.Root, patch)
		}

		buildsys.Log(ctx).Info().Str("path", patch).Msg("applying patch")
		err := buildsys.Command(ctx, destPath, nil, opts.Stdout, opts.Stderr, "patch", "-p1", "-i", patch)
		if err != nil {
			return eris.Wrapf(err, "failed to apply %s", patch)
		}
	}

	return nil
}
