package dockyard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/dockyard/dockyard/config"
	"tangled.sh/tangled.sh/dockyard/dockyard/db"
	"tangled.sh/tangled.sh/dockyard/dockyard/engine"
	"tangled.sh/tangled.sh/dockyard/dockyard/engines/docker"
	"tangled.sh/tangled.sh/dockyard/dockyard/models"
	"tangled.sh/tangled.sh/dockyard/dockyard/queue"
	"tangled.sh/tangled.sh/dockyard/dockyard/registry"
	"tangled.sh/tangled.sh/dockyard/dockyard/script"
	"tangled.sh/tangled.sh/dockyard/dockyard/secrets"
	"tangled.sh/tangled.sh/dockyard/log"
	"tangled.sh/tangled.sh/dockyard/notifier"
	"tangled.sh/tangled.sh/dockyard/workflow"
)

var ErrQueueFull = errors.New("run queue is full")

type Dockyard struct {
	// runs outlive the request that started them
	ctx context.Context

	db    *db.DB
	l     *slog.Logger
	n     *notifier.Notifier
	eng   *engine.Engine
	jq    *queue.Queue
	cfg   *config.Config
	store *workflow.Store
}

func New(ctx context.Context, cfg *config.Config, d *db.DB, n *notifier.Notifier, eng *engine.Engine, jq *queue.Queue, store *workflow.Store) *Dockyard {
	return &Dockyard{
		ctx:   ctx,
		db:    d,
		l:     log.FromContext(ctx),
		n:     n,
		eng:   eng,
		jq:    jq,
		cfg:   cfg,
		store: store,
	}
}

// setup wires every component from cfg. The returned cleanup releases the
// docker client, the secrets backend and the database.
func setup(ctx context.Context, cfg *config.Config) (*Dockyard, func(), error) {
	logger := log.FromContext(ctx)

	workspace, err := filepath.Abs(cfg.Pipelines.Workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving workspace: %w", err)
	}
	cfg.Pipelines.Workspace = workspace

	store, diags, err := workflow.Load(cfg.Pipelines.JobsDir)
	for _, w := range diags.Warnings {
		logger.Warn("job definition", "warning", w.String())
	}
	if err != nil {
		return nil, nil, err
	}
	logger.Info("loaded jobs", "dir", cfg.Pipelines.JobsDir, "count", len(store.Names()))

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup db: %w", err)
	}

	sm, err := newSecretsManager(ctx, cfg)
	if err != nil {
		d.Close()
		return nil, nil, err
	}

	cli, err := docker.NewClient()
	if err != nil {
		closeSecrets(sm)
		d.Close()
		return nil, nil, fmt.Errorf("failed to setup docker client: %w", err)
	}

	cleanup := func() {
		closeSecrets(sm)
		cli.Close()
		d.Close()
	}

	n := notifier.New()

	builder := docker.NewBuilder(ctx, cli)

	opts := []docker.PublisherOpt{
		docker.WithCredentials(sm),
		docker.WithAttempts(cfg.Pipelines.PushAttempts),
	}
	if cfg.Pipelines.VerifyPush {
		opts = append(opts, docker.WithVerifier(
			registry.NewVerifier(registry.WithInsecureRegistries(cfg.Pipelines.InsecureRegistries...)),
		))
	}
	publisher := docker.NewPublisher(ctx, cli, opts...)

	var scripts models.ScriptRunner
	switch cfg.Pipelines.ScriptRunner {
	case "docker":
		scripts = docker.NewScriptRunner(ctx, cli, cfg.Pipelines.ScriptImage)
	case "local":
		scripts = script.NewLocalRunner()
	default:
		cleanup()
		return nil, nil, fmt.Errorf("%w: unknown script runner %q", workflow.ErrConfiguration, cfg.Pipelines.ScriptRunner)
	}

	eng := engine.New(ctx, cfg, d, &n, builder, publisher, scripts)
	jq := queue.NewQueue(cfg.Pipelines.QueueSize, cfg.Pipelines.Workers)

	return New(ctx, cfg, d, &n, eng, jq, store), cleanup, nil
}

func newSecretsManager(ctx context.Context, cfg *config.Config) (secrets.Manager, error) {
	switch cfg.Secrets.Provider {
	case "openbao":
		if cfg.Secrets.OpenBao.Addr == "" {
			return nil, fmt.Errorf("%w: openbao address is required", workflow.ErrConfiguration)
		}
		m, err := secrets.NewOpenBaoManager(
			cfg.Secrets.OpenBao.Addr,
			cfg.Secrets.OpenBao.RoleID,
			cfg.Secrets.OpenBao.SecretID,
			log.SubLogger(log.FromContext(ctx), "secrets"),
			secrets.WithMountPath(cfg.Secrets.OpenBao.Mount),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to setup openbao secrets provider: %w", err)
		}
		return m, nil
	case "sqlite", "":
		m, err := secrets.NewSQLiteManager(cfg.Server.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to setup sqlite secrets provider: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown secrets provider %q", workflow.ErrConfiguration, cfg.Secrets.Provider)
	}
}

func closeSecrets(sm secrets.Manager) {
	if s, ok := sm.(secrets.Stopper); ok {
		s.Stop()
	}
	if c, ok := sm.(io.Closer); ok {
		c.Close()
	}
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	s, cleanup, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Server.Dev {
		logger.Info("running in dev mode, websocket origins are not checked")
	}

	// starts a job queue runner in the background
	s.jq.StartRunner()
	defer s.jq.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting dockyard server", "address", cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Dockyard) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.RequestLogger)

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Get("/jobs", s.ListJobs)
	mux.Post("/jobs/{name}/run", s.RunJob)
	mux.Post("/hooks/push", s.PushHook)
	mux.Get("/runs/{id}", s.GetRun)

	mux.HandleFunc("/events", s.Events)
	mux.HandleFunc("/logs/{id}", s.Logs)
	return mux
}

// Enqueue records a pending run of job and hands it to the worker pool. A
// run that does not fit into the queue is marked failed right away.
func (s *Dockyard) Enqueue(job workflow.Job, trigger workflow.Trigger) (models.RunId, error) {
	rid := models.NewRunId(job.Name)
	l := s.l.With("job", job.Name, "run", rid.Id)

	if err := s.db.CreateRun(rid, trigger, s.n); err != nil {
		return rid, err
	}

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			return s.eng.Run(s.ctx, job, rid, trigger)
		},
		OnFail: func(jobError error) {
			l.Error("run failed", "error", jobError)
		},
	})
	if !ok {
		l.Error("failed to enqueue run: queue is full")
		if err := s.db.StatusFailed(rid, ErrQueueFull.Error(), s.n); err != nil {
			l.Error("failed to record run status", "error", err)
		}
		return rid, ErrQueueFull
	}

	l.Info("run enqueued", "trigger", trigger.Kind)
	return rid, nil
}

// RunNow starts a run of job and waits for it to finish.
func (s *Dockyard) RunNow(ctx context.Context, job workflow.Job, trigger workflow.Trigger) (models.RunId, error) {
	rid := models.NewRunId(job.Name)
	if err := s.db.CreateRun(rid, trigger, s.n); err != nil {
		return rid, err
	}
	return rid, s.eng.Run(ctx, job, rid, trigger)
}

type jobSummary struct {
	Name          string `json:"name"`
	Source        string `json:"source,omitempty"`
	Steps         int    `json:"steps"`
	AutoTriggered bool   `json:"auto_triggered"`
}

func summarize(j workflow.Job) jobSummary {
	return jobSummary{
		Name:          j.Name,
		Source:        j.Source,
		Steps:         len(j.Steps),
		AutoTriggered: j.AutoTriggered(),
	}
}

func (s *Dockyard) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.store.Jobs()
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, summarize(j))
	}
	writeJSON(w, http.StatusOK, out)
}

type runResponse struct {
	Runs []string `json:"runs"`
}

func (s *Dockyard) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	job, err := s.store.GetJob(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	rid, err := s.Enqueue(job, workflow.ManualTrigger(r.Header.Get("X-Dockyard-Actor")))
	switch {
	case errors.Is(err, ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		s.l.Error("failed to start run", "job", name, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, runResponse{Runs: []string{rid.Id}})
}

type pushEvent struct {
	Ref   string `json:"ref"`
	Sha   string `json:"sha"`
	Actor string `json:"actor"`
}

// PushHook evaluates every job against a push and enqueues the ones whose
// triggers match.
func (s *Dockyard) PushHook(w http.ResponseWriter, r *http.Request) {
	var ev pushEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding push event: %w", err))
		return
	}
	if !workflow.IsPushRef(ev.Ref) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("push event ref %q is not a full branch or tag ref", ev.Ref))
		return
	}

	trigger := workflow.PushTrigger(ev.Ref, ev.Sha)
	trigger.Actor = ev.Actor

	resp := runResponse{Runs: []string{}}
	for _, job := range s.store.Match(trigger) {
		rid, err := s.Enqueue(job, trigger)
		if err != nil {
			s.l.Error("failed to start run", "job", job.Name, "error", err)
			continue
		}
		resp.Runs = append(resp.Runs, rid.Id)
	}

	s.l.Info("push evaluated", "ref", ev.Ref, "runs", len(resp.Runs))
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Dockyard) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
