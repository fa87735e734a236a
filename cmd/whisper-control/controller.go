package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/models"
)

// process is a running whisper-server.
type process interface {
	Stop() error
	Exited() <-chan struct{}
}

type launchFunc func(modelPath string) (process, error)

// controller owns at most one whisper-server process.
type controller struct {
	launch       launchFunc
	downloader   *models.Downloader
	healthURL    string
	startTimeout time.Duration
	defaultModel string
	httpClient   *http.Client

	dl sync.Mutex

	mu    sync.Mutex
	proc  process
	model string
}

func (c *controller) running() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return false, ""
	}
	select {
	case <-c.proc.Exited():
		c.proc, c.model = nil, ""
		return false, ""
	default:
		return true, c.model
	}
}

// start ensures the named model is on disk and whisper-server is serving it.
// A running server with another model is restarted.
func (c *controller) start(ctx context.Context, name string) (string, error) {
	if !models.Valid(name) {
		return "", fmt.Errorf("unknown model: %s", name)
	}
	log := applog.Ctx(ctx)

	path, err := c.ensure(ctx, name, func(done, total int64) {
		log.Debug().Int64("bytes", done).Int64("total", total).Str(applog.FieldModel, name).Msg("downloading")
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != nil && c.model == name && !exited(c.proc) {
		return "already_running", nil
	}
	if c.proc != nil {
		log.Info().Str("from", c.model).Str("to", name).Msg("switching model")
		c.proc.Stop()
		c.proc, c.model = nil, ""
	}

	proc, err := c.launch(path)
	if err != nil {
		return "", fmt.Errorf("launch whisper-server: %w", err)
	}
	c.proc, c.model = proc, name

	if err = c.waitHealthy(ctx, proc); err != nil {
		proc.Stop()
		c.proc, c.model = nil, ""
		return "", err
	}
	log.Info().Str(applog.FieldModel, name).Msg("whisper-server ready")
	return "started", nil
}

func (c *controller) ensure(ctx context.Context, name string, onProgress models.ProgressFunc) (string, error) {
	c.dl.Lock()
	defer c.dl.Unlock()
	return c.downloader.Ensure(ctx, name, onProgress)
}

func (c *controller) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil {
		c.proc.Stop()
		c.proc, c.model = nil, ""
	}
}

func (c *controller) waitHealthy(ctx context.Context, proc process) error {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.healthOK(ctx) {
			return nil
		}
		select {
		case <-proc.Exited():
			return errors.New("whisper-server exited during startup")
		case <-ctx.Done():
			return fmt.Errorf("whisper-server not healthy after %s", c.startTimeout)
		case <-ticker.C:
		}
	}
}

func (c *controller) healthOK(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func exited(p process) bool {
	select {
	case <-p.Exited():
		return true
	default:
		return false
	}
}

// --- HTTP ---

func (c *controller) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", c.handleStart)
	mux.HandleFunc("POST /stop", c.handleStop)
	mux.HandleFunc("GET /status", c.handleStatus)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /models", c.handleListModels)
	mux.HandleFunc("POST /models/download", c.handleDownload)
	return mux
}

func (c *controller) handleStart(w http.ResponseWriter, r *http.Request) {
	name := c.defaultModel
	if q := r.URL.Query().Get("model"); q != "" {
		name = models.NameFromPath(q)
	}
	status, err := c.start(r.Context(), name)
	if err != nil {
		applog.Ctx(r.Context()).Error().Err(err).Str(applog.FieldModel, name).Msg("start failed")
		code := http.StatusInternalServerError
		if !models.Valid(name) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "model": models.FileName(name)})
}

func (c *controller) handleStop(w http.ResponseWriter, r *http.Request) {
	c.stop()
	applog.Ctx(r.Context()).Info().Msg("whisper-server stopped")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (c *controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	running, model := c.running()
	resp := map[string]any{"running": running}
	if running {
		resp["model"] = models.FileName(model)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *controller) handleListModels(w http.ResponseWriter, r *http.Request) {
	_, active := c.running()
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models.List(c.downloader.Dir),
		"active": active,
		"dir":    c.downloader.Dir,
	})
}

// handleDownload streams NDJSON progress lines while a model downloads.
func (c *controller) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if json.NewDecoder(r.Body).Decode(&req) != nil || req.Name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	name := models.NameFromPath(req.Name)
	if !models.Valid(name) {
		http.Error(w, "unknown model", http.StatusBadRequest)
		return
	}

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	_, err := c.ensure(r.Context(), name, func(done, total int64) {
		enc.Encode(map[string]int64{"bytes": done, "total": total})
		flush()
	})
	if err != nil {
		enc.Encode(map[string]string{"error": err.Error()})
		return
	}
	enc.Encode(map[string]string{"status": "done"})
	flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- os/exec launcher ---

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Exited() <-chan struct{} { return p.done }

func (p *execProcess) Stop() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

// execLauncher runs bin as whisper-server on host:port.
func execLauncher(bin, host, port, threads string, extra []string) launchFunc {
	return func(modelPath string) (process, error) {
		args := append([]string{"-m", modelPath, "--host", host, "--port", port, "-t", threads}, extra...)
		cmd := exec.Command(bin, args...)
		logw := applog.L().With().Str("source", "whisper-server").Logger()
		cmd.Stdout = logw
		cmd.Stderr = logw
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		p := &execProcess{cmd: cmd, done: make(chan struct{})}
		go func() {
			err := cmd.Wait()
			applog.L().Info().Err(err).Str("cmd", strings.Join(cmd.Args, " ")).Msg("whisper-server exited")
			close(p.done)
		}()
		return p, nil
	}
}
