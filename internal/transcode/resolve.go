package transcode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"moviequeue/internal/config"
	"moviequeue/internal/job"
	"moviequeue/internal/services"
	"moviequeue/internal/textutil"
)

// Resolve fills the host-specific fields of d from cfg and validates the
// result. It runs on the host that executes the job, so remote descriptors
// arrive with only the caller's intent set.
func Resolve(cfg *config.Config, d *job.Descriptor) error {
	if d.Kind == "" {
		d.Kind = job.KindTranscode
	}
	d.Target = strings.TrimSpace(d.Target)
	if d.Target != "" {
		d.Target = filepath.Clean(d.Target)
	}
	stem := textutil.OutputStem(d.Target)
	ext := cfg.Encoder.Extension

	switch d.Kind {
	case job.KindTranscode:
		if d.Preset == "" {
			d.Preset = cfg.Encoder.Preset
		}
		if d.Destination == "" {
			d.Destination = filepath.Join(filepath.Dir(d.Target), textutil.FileStem(d.Target)+"."+ext)
		}
		if d.Output == "" {
			d.Output = filepath.Join(cfg.Paths.OutputDir, stem+"_"+targetTag(d.Target)+"."+ext)
		}
		if d.BackupDir == "" {
			d.BackupDir = cfg.Paths.BackupDir
		}
	case job.KindSubtitle:
		if d.Destination == "" {
			d.Destination = filepath.Join(filepath.Dir(d.Target), textutil.FileStem(d.Target)+".srt")
		}
	case job.KindMove:
		if d.Destination == "" {
			dest, err := moveDestination(cfg, *d)
			if err != nil {
				return err
			}
			d.Destination = dest
		}
		if d.BackupDir == "" {
			d.BackupDir = cfg.Paths.BackupDir
		}
	}
	if d.LogPath == "" {
		d.LogPath = filepath.Join(cfg.JobLogDir(), stem+"_"+string(d.Kind)+"_"+idTag(d.ID)+".log")
	}
	if err := d.Validate(); err != nil {
		return services.Wrap(services.ErrValidation, component, "resolve", "", err)
	}
	return nil
}

// targetTag distinguishes scratch files of targets that share a file stem.
func targetTag(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:4])
}

func idTag(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// moveDestination places a finished file in the library: a named movie
// sub-directory, the unwatched directory, the show's season directory for
// "<show>_sNN_epNN" names, or the movie directory.
func moveDestination(cfg *config.Config, d job.Descriptor) (string, error) {
	base := filepath.Base(d.Target)
	switch {
	case strings.TrimSpace(d.Directory) != "":
		name := textutil.SanitizeFileName(d.Directory)
		if name == "" || name == "." || name == ".." {
			return "", services.Wrap(services.ErrValidation, component, "resolve", fmt.Sprintf("invalid directory %q", d.Directory), nil)
		}
		dir := filepath.Join(cfg.Paths.MovieDir, name)
		if err := requireDir(dir); err != nil {
			return "", err
		}
		return filepath.Join(dir, base), nil
	case d.Unwatched:
		if err := requireDir(cfg.Paths.UnwatchedDir); err != nil {
			return "", err
		}
		return filepath.Join(cfg.Paths.UnwatchedDir, base), nil
	}
	if ep, ok := textutil.ParseFileStem(textutil.FileStem(d.Target)); ok {
		return filepath.Join(cfg.Paths.TelevisionDir, ep.Show, fmt.Sprintf("season%d", ep.Season), base), nil
	}
	return filepath.Join(cfg.Paths.MovieDir, base), nil
}

func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return services.Wrap(services.ErrNotFound, component, "resolve", "directory "+dir+" does not exist", nil)
		}
		return services.Wrap(services.ErrValidation, component, "resolve", dir, err)
	}
	if !info.IsDir() {
		return services.Wrap(services.ErrValidation, component, "resolve", dir+" is not a directory", nil)
	}
	return nil
}

// checkRequest rejects requests that are invalid on any host.
func checkRequest(req Request) error {
	if req.Target == "" || !filepath.IsAbs(req.Target) {
		return services.Wrap(services.ErrValidation, component, "dispatch", fmt.Sprintf("target %q must be an absolute path", req.Target), nil)
	}
	if req.Kind == job.KindSubtitle {
		if req.SubtitleIndex < 1 {
			return services.Wrap(services.ErrValidation, component, "dispatch", fmt.Sprintf("subtitle index must be at least 1, got %d", req.SubtitleIndex), nil)
		}
		if !strings.EqualFold(filepath.Ext(req.Target), ".mkv") {
			return services.Wrap(services.ErrValidation, component, "dispatch", "subtitle extraction requires an .mkv file", nil)
		}
	}
	return nil
}
