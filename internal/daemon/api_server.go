package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"moviequeue/internal/config"
	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/logs"
	"moviequeue/internal/procmon"
	"moviequeue/internal/queue"
	"moviequeue/internal/services"
	"moviequeue/internal/transcode"
)

const (
	defaultLogLines = 50
	logFollowWait   = 10 * time.Second
)

type apiServer struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *queue.Store
	dispatcher *transcode.Dispatcher
	router     *mux.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// statusResponse is the body of GET /list/transcode/status.
type statusResponse struct {
	transcode.Snapshot
	Queue []queue.Entry `json:"queue"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

func newAPIServer(cfg *config.Config, store *queue.Store, dispatcher *transcode.Dispatcher, logger *slog.Logger) *apiServer {
	s := &apiServer{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "api-server"),
		store:      store,
		dispatcher: dispatcher,
	}

	r := mux.NewRouter().UseEncodedPath()
	r.Use(requestIDMiddleware, metricsMiddleware(defaultMetricsSkipPaths), authMiddleware(strings.TrimSpace(cfg.Paths.APIToken)))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/list/transcode").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/last_modified", s.handleLastModified).Methods(http.MethodGet)
	api.HandleFunc("/job/{id}", s.handleJob).Methods(http.MethodGet)
	api.HandleFunc("/job/{id}/log", s.handleJobLog).Methods(http.MethodGet)
	api.HandleFunc("/file/{filename}", s.handleTranscodeFile).Methods(http.MethodPost)
	api.HandleFunc("/remcom/file/{filename}", s.handleRemcom).Methods(http.MethodPost)
	api.HandleFunc("/remcom/directory/{directory}/{filename}", s.handleRemcom).Methods(http.MethodPost)
	api.HandleFunc("/subtitle/{file}/{index}", s.handleSubtitle).Methods(http.MethodPost)
	api.HandleFunc("/queue", s.handleQueueList).Methods(http.MethodGet)
	api.HandleFunc("/queue/{directory}/{file}", s.handleQueueAdd).Methods(http.MethodPost)
	api.HandleFunc("/queue/{path:.+}", s.handleQueueAdd).Methods(http.MethodPost)
	api.HandleFunc("/queue/{path:.+}", s.handleQueueRemove).Methods(http.MethodDelete)
	api.HandleFunc("/cleanup/{path:.+}", s.handleCleanup).Methods(http.MethodDelete)

	s.router = r
	return s
}

func (s *apiServer) start(ctx context.Context) error {
	bind := strings.TrimSpace(s.cfg.Paths.APIBind)
	if bind == "" {
		s.logger.Info("api server disabled; no bind address configured")
		return nil
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api server shutdown", logging.Error(err))
	}
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	inUse, capacity := s.dispatcher.InUse()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"queue":    stats,
		"in_use":   inUse,
		"capacity": capacity,
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Snapshot: s.dispatcher.Snapshot(r.Context()), Queue: entries})
}

func (s *apiServer) handleLastModified(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.LastModified(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]time.Time{"last_modified": t})
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.dispatcher.Poll(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleJobLog returns lines of a job's log. Query parameters: offset
// (default: the last lines), limit, and follow=1 to wait briefly for output.
func (s *apiServer) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.dispatcher.Poll(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st.Host != "" && !procmon.IsLocal(st.Host) {
		s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "job log", "log of job "+id+" is on "+st.Host, nil))
		return
	}
	q := r.URL.Query()
	opts := logs.TailOptions{Offset: -1, Limit: defaultLogLines}
	if raw := q.Get("offset"); raw != "" {
		if opts.Offset, err = strconv.ParseInt(raw, 10, 64); err != nil {
			s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "job log", "offset must be an integer", err))
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if opts.Limit, err = strconv.Atoi(raw); err != nil {
			s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "job log", "limit must be an integer", err))
			return
		}
	}
	if q.Get("follow") == "1" {
		opts.Follow = true
		opts.Wait = logFollowWait
	}
	res, err := logs.Tail(r.Context(), st.LogPath, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Lines == nil {
		res.Lines = []string{}
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleTranscodeFile(w http.ResponseWriter, r *http.Request) {
	target, err := s.libraryPath(r, "filename")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch(w, r, transcode.Request{Kind: job.KindTranscode, Target: target})
}

// handleRemcom forwards a file to the default worker host. Files already in
// the output container are moved into the library; anything else is
// transcoded there.
func (s *apiServer) handleRemcom(w http.ResponseWriter, r *http.Request) {
	target, err := s.libraryPath(r, "filename")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	host := strings.TrimSpace(s.cfg.Remote.DefaultHost)
	if host == "" {
		s.writeError(w, r, services.Wrap(services.ErrConfiguration, "api", "remcom", "remote.default_host is not configured", nil))
		return
	}
	req := transcode.Request{Kind: job.KindTranscode, Target: target, Host: host}
	if strings.EqualFold(strings.TrimPrefix(filepath.Ext(target), "."), s.cfg.Encoder.Extension) {
		req.Kind = job.KindMove
	}
	if _, ok := mux.Vars(r)["directory"]; ok {
		if req.Directory, err = pathVar(r, "directory"); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.dispatch(w, r, req)
}

func (s *apiServer) handleSubtitle(w http.ResponseWriter, r *http.Request) {
	target, err := s.libraryPath(r, "file")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, err := pathVar(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "subtitle", fmt.Sprintf("index %q is not a number", raw), nil))
		return
	}
	s.dispatch(w, r, transcode.Request{Kind: job.KindSubtitle, Target: target, SubtitleIndex: index})
}

func (s *apiServer) dispatch(w http.ResponseWriter, r *http.Request, req transcode.Request) {
	st, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}

func (s *apiServer) handleQueueList(w http.ResponseWriter, r *http.Request) {
	var (
		entries []queue.Entry
		err     error
	)
	if since := strings.TrimSpace(r.URL.Query().Get("since")); since != "" {
		t, perr := time.Parse(time.RFC3339, since)
		if perr != nil {
			s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "queue", "since must be an RFC 3339 timestamp", perr))
			return
		}
		entries, err = s.store.ListSince(r.Context(), t)
	} else {
		entries, err = s.store.List(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *apiServer) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var (
		target string
		err    error
	)
	if _, ok := mux.Vars(r)["directory"]; ok {
		var dir, file string
		if dir, err = pathVar(r, "directory"); err == nil {
			file, err = pathVar(r, "file")
		}
		if err == nil {
			target, err = s.resolve(filepath.Join(dir, file))
		}
	} else {
		target, err = s.libraryPath(r, "path")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.store.Add(r.Context(), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *apiServer) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	raw, err := pathVar(r, "path")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	arg := raw
	_, numErr := strconv.ParseInt(raw, 10, 64)
	if numErr != nil {
		if arg, err = s.resolve(raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
		if numErr == nil {
			s.writeError(w, r, services.Wrap(services.ErrValidation, "api", "purge", "purge needs a path, not a queue index", nil))
			return
		}
		s.purge(w, r, arg)
		return
	}
	entry, err := s.store.Remove(r.Context(), arg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// purge retires path from the catalog along with any queue entry.
func (s *apiServer) purge(w http.ResponseWriter, r *http.Request, path string) {
	if err := s.store.SoftDelete(r.Context(), path); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.store.Collection(r.Context(), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *apiServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	target, err := s.libraryPath(r, "path")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.dispatcher.Cleanup(r.Context(), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// libraryPath resolves the path variable name against the movie directory.
func (s *apiServer) libraryPath(r *http.Request, name string) (string, error) {
	raw, err := pathVar(r, name)
	if err != nil {
		return "", err
	}
	return s.resolve(raw)
}

// resolve maps a request path onto the filesystem. Relative paths are taken
// from the movie directory. Either form must end up inside one of the library
// or scratch directories.
func (s *apiServer) resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", services.Wrap(services.ErrValidation, "api", "resolve path", "path is required", nil)
	}
	full := filepath.Clean(raw)
	if !filepath.IsAbs(full) {
		full = filepath.Join(filepath.Clean(s.cfg.Paths.MovieDir), raw)
	}
	for _, root := range s.roots() {
		if within(root, full) {
			return full, nil
		}
	}
	return "", services.Wrap(services.ErrValidation, "api", "resolve path", fmt.Sprintf("%q is outside the library directories", raw), nil)
}

// roots lists the directories request paths may point into.
func (s *apiServer) roots() []string {
	var roots []string
	for _, dir := range []string{
		s.cfg.Paths.MovieDir,
		s.cfg.Paths.TelevisionDir,
		s.cfg.Paths.UnwatchedDir,
		s.cfg.Paths.OutputDir,
	} {
		if strings.TrimSpace(dir) != "" {
			roots = append(roots, filepath.Clean(dir))
		}
	}
	return roots
}

// within reports whether path is base or lies below it.
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func pathVar(r *http.Request, name string) (string, error) {
	value, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "api", "decode path", name, err)
	}
	return value, nil
}

// httpStatus maps error kinds onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrDuplicateQueueEntry), errors.Is(err, services.ErrAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, services.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrRemoteUnreachable), errors.Is(err, services.ErrRemoteAuth), errors.Is(err, services.ErrRemoteSpawn):
		return http.StatusBadGateway
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	logger := logging.WithContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", logging.String("path", r.URL.Path), logging.Error(err))
	} else {
		logger.Debug("request rejected", logging.String("path", r.URL.Path), logging.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), ErrorKind: services.Kind(err)})
}
