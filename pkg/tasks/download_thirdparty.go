package tasks

import (
	"context"
	"errors"
	"os"

	"github.com/rotisserie/eris"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/thirdparty"
)

// DepStatus describes one manifest entry for download --list.
type DepStatus struct {
	Name   string
	URL    string
	Dest   string
	Active bool
	// Current is set if the extracted files match the manifest.
	Current bool
}

// DownloadThirdparty fetches, verifies and extracts the dependencies listed in the third-party manifest.
func DownloadThirdparty(ctx context.Context, env *Env, opts Options) error {
	return env.run(ctx, "download_thirdparty", func(ctx context.Context) error {
		return env.syncThirdparty(ctx, opts)
	})
}

func (e *Env) downloader() *thirdparty.Downloader {
	cfg := e.Config
	dl := thirdparty.NewDownloader(cfg.DownloadCache(), cfg.Thirdparty.Timeout, cfg.Thirdparty.Retries)
	dl.Output = e.Stderr
	return dl
}

func (e *Env) syncThirdparty(ctx context.Context, opts Options) error {
	m, err := thirdparty.LoadManifest(e.Config.ManifestPath())
	if err != nil {
		return err
	}

	result, err := thirdparty.Sync(ctx, m, e.State, e.downloader(), thirdparty.SyncOptions{
		Root:   e.Root,
		Jobs:   e.Config.Thirdparty.Jobs,
		Only:   opts.Only,
		Force:  opts.Force,
		Update: opts.Update,
		DryRun: opts.DryRun,
		Stdout: e.Stdout,
		Stderr: e.Stderr,
	})
	if err != nil {
		return err
	}

	buildsys.Log(ctx).Info().
		Int("fetched", len(result.Fetched)).
		Int("skipped", len(result.Skipped)).
		Int("updated", len(result.Updated)).
		Msg("third-party dependencies are up to date")
	return nil
}

// ThirdpartyStatus lists the manifest entries together with their extraction state.
func ThirdpartyStatus(ctx context.Context, env *Env) ([]DepStatus, error) {
	m, err := thirdparty.LoadManifest(env.Config.ManifestPath())
	if err != nil {
		return nil, err
	}

	entries, err := m.Entries(m.Variables(thirdparty.BuiltinVars()), nil)
	if err != nil {
		return nil, err
	}

	result := make([]DepStatus, 0, len(entries))
	for _, entry := range entries {
		status := DepStatus{
			Name:   entry.Name,
			URL:    entry.Dep.URL,
			Dest:   thirdparty.DestPath(env.Root, entry.Dep),
			Active: entry.Active,
		}

		stamp, err := env.State.Stamp(ctx, entry.Name)
		if err != nil {
			return nil, err
		}

		if stamp == entry.Dep.Stamp() {
			_, err = os.Stat(status.Dest)
			switch {
			case err == nil:
				status.Current = true
			case !errors.Is(err, os.ErrNotExist):
				return nil, eris.Wrapf(err, "failed to check %s", status.Dest)
			}
		}

		result = append(result, status)
	}

	return result, nil
}
