package transcode_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"moviequeue/internal/job"
	"moviequeue/internal/services"
	"moviequeue/internal/testsupport"
	"moviequeue/internal/transcode"
)

func TestResolveTranscodeDefaults(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := job.Descriptor{ID: "a", Target: "/in/My Movie (2001).avi"}
	if err := transcode.Resolve(cfg, &d); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != job.KindTranscode || d.Preset != cfg.Encoder.Preset {
		t.Fatalf("defaults not applied: %+v", d)
	}
	if dir, name := filepath.Split(d.Output); filepath.Clean(dir) != cfg.Paths.OutputDir ||
		!strings.HasPrefix(name, "My_Movie_2001_") || filepath.Ext(name) != ".mp4" {
		t.Fatalf("unexpected output %s", d.Output)
	}
	if want := "/in/My Movie (2001).mp4"; d.Destination != want {
		t.Fatalf("destination = %s, want %s", d.Destination, want)
	}
	if want := filepath.Join(cfg.JobLogDir(), "My_Movie_2001_transcode_a.log"); d.LogPath != want {
		t.Fatalf("log = %s, want %s", d.LogPath, want)
	}
}

func TestResolveSeparatesTargetsAndJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	resolve := func(id, target string) job.Descriptor {
		d := job.Descriptor{ID: id, Target: target}
		if err := transcode.Resolve(cfg, &d); err != nil {
			t.Fatalf("Resolve(%s): %v", target, err)
		}
		return d
	}

	movies := resolve("job-1", filepath.Join(cfg.Paths.MovieDir, "film.avi"))
	tv := resolve("job-2", filepath.Join(cfg.Paths.TelevisionDir, "film.avi"))
	if movies.Output == tv.Output || movies.LogPath == tv.LogPath {
		t.Fatalf("targets sharing a stem share files: %s / %s", movies.Output, movies.LogPath)
	}

	again := resolve("job-3", movies.Target)
	if again.Output != movies.Output {
		t.Fatalf("output for one target should be stable: %s vs %s", again.Output, movies.Output)
	}
	if again.LogPath == movies.LogPath {
		t.Fatalf("a later job reuses the earlier job's log %s", again.LogPath)
	}
	if again.Output == again.Target || again.Output == again.Destination {
		t.Fatalf("output collides with target or destination: %+v", again)
	}
}

func TestResolveRejectsUnsafeJobID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := job.Descriptor{ID: "../../etc/x", Target: filepath.Join(cfg.Paths.MovieDir, "film.avi")}
	if err := transcode.Resolve(cfg, &d); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestResolveMoveDestinations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	westerns := filepath.Join(cfg.Paths.MovieDir, "Westerns")
	if err := os.MkdirAll(westerns, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(cfg.Paths.UnwatchedDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tests := []struct {
		name string
		desc job.Descriptor
		want string
	}{
		{"movie", job.Descriptor{Target: "/out/heat.mp4"}, filepath.Join(cfg.Paths.MovieDir, "heat.mp4")},
		{"episode", job.Descriptor{Target: "/out/lost_s04_ep11.mp4"}, filepath.Join(cfg.Paths.TelevisionDir, "lost", "season4", "lost_s04_ep11.mp4")},
		{"directory", job.Descriptor{Target: "/out/rio_bravo.mp4", Directory: "Westerns"}, filepath.Join(westerns, "rio_bravo.mp4")},
		{"unwatched", job.Descriptor{Target: "/out/lost_s04_ep11.mp4", Unwatched: true}, filepath.Join(cfg.Paths.UnwatchedDir, "lost_s04_ep11.mp4")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.desc
			d.ID = "m"
			d.Kind = job.KindMove
			if err := transcode.Resolve(cfg, &d); err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if d.Destination != tt.want {
				t.Fatalf("destination = %s, want %s", d.Destination, tt.want)
			}
		})
	}
}

func TestResolveRejectsInvalidDirectory(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := job.Descriptor{ID: "m", Kind: job.KindMove, Target: "/out/a.mp4", Directory: ".."}
	if err := transcode.Resolve(cfg, &d); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
