package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hpcloud/tail"
	"golang.org/x/sync/errgroup"

	"windlass.sh/core/log"
	"windlass.sh/core/pipeline/approval"
	"windlass.sh/core/pipeline/config"
	"windlass.sh/core/pipeline/contexts"
	"windlass.sh/core/pipeline/creds"
	"windlass.sh/core/pipeline/db"
	"windlass.sh/core/pipeline/engine"
	"windlass.sh/core/pipeline/gitops"
	"windlass.sh/core/pipeline/models"
	"windlass.sh/core/pipeline/notifier"
	"windlass.sh/core/pipeline/queue"
)

type Server struct {
	cfg        *config.Config
	db         *db.DB
	n          *notifier.Notifier
	gate       *approval.Gate
	controller *Controller
	jq         *queue.Queue
	l          *slog.Logger
}

// setup builds the full production wiring from configuration. The
// returned teardown stops the credential broker; it is safe to call
// once the server no longer issues runs.
func setup(ctx context.Context) (*Server, func(), error) {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()
	gate := approval.NewGate()

	teardown := func() {}
	var credSource models.CredentialSource
	if cfg.Creds.Addr != "" {
		broker, err := creds.NewBroker(cfg.Creds.Addr, cfg.Creds.RoleID, cfg.Creds.SecretID,
			logger.With("component", "creds"), creds.WithMountPath(cfg.Creds.Mount))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to setup credential broker: %w", err)
		}
		teardown = broker.Stop
		credSource = broker
	} else if !cfg.Server.Dev {
		return nil, nil, fmt.Errorf("credential broker address required outside dev mode")
	}

	manager, err := contexts.NewManager(ctx, credSource, contexts.DefaultTemplates())
	if err != nil {
		teardown()
		return nil, nil, fmt.Errorf("failed to setup context manager: %w", err)
	}

	co := Collaborators{
		Analyzer:  contexts.NewAnalyzer(manager),
		Builder:   contexts.NewBuilder(manager, cfg.Pipelines.Dockerfile),
		Scanner:   contexts.NewScanner(manager),
		Registry:  contexts.NewRegistry(manager),
		Creds:     credSource,
		Gate:      gate,
		Mutator:   gitops.NewMutator(ctx, cfg.GitOps.AuthorName, cfg.GitOps.AuthorEmail, cfg.GitOps.Retries),
		Artifacts: manager,
	}

	s := &Server{
		cfg:        cfg,
		db:         d,
		n:          &n,
		gate:       gate,
		controller: NewController(ctx, cfg, d, &n, co),
		jq:         queue.NewQueue(100, 2),
		l:          logger,
	}

	return s, teardown, nil
}

// Run wires the whole orchestrator together and serves until ctx is
// cancelled.
func Run(ctx context.Context) error {
	s, teardown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer teardown()

	cfg, logger := s.cfg, s.l

	s.jq.Start()
	defer s.jq.Stop()

	poller := NewPoller(ctx, cfg, s.db, s.enqueue)

	logger.Info("starting windlass", "addr", cfg.Server.ListenAddr, "source", cfg.Source.RepoURL)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.routes(),
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		poller.Watch(ctx)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})
	eg.Go(func() error {
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	return eg.Wait()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.RequestLogger)

	r.Post("/hooks/push", s.PushHook)
	r.Route("/runs/{id}", func(r chi.Router) {
		r.Get("/", s.GetRun)
		r.Get("/summary", s.GetSummary)
		r.Get("/watch", s.WatchRun)
		r.Get("/logs/{stage}", s.StreamLogs)
		r.Post("/approve", s.resolveApproval(true))
		r.Post("/deny", s.resolveApproval(false))
	})

	return r
}

type pushPayload struct {
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
}

// PushHook accepts a webhook delivery and enqueues the run. The same
// (branch, revision) arriving via the poller behaves identically.
func (s *Server) PushHook(w http.ResponseWriter, r *http.Request) {
	var p pushPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if p.Branch == "" || p.Revision == "" {
		writeError(w, http.StatusBadRequest, "branch and revision are required")
		return
	}

	if !s.enqueue(models.Trigger{Branch: p.Branch, Revision: p.Revision, Source: models.TriggerWebhook}) {
		writeError(w, http.StatusServiceUnavailable, "run queue is full")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) enqueue(trig models.Trigger) bool {
	return s.jq.Enqueue(queue.Job{
		Run: func() error {
			run, err := s.controller.Execute(context.Background(), trig)
			if err != nil {
				return err
			}
			s.l.Info("run summary", "run", run.ID)
			fmt.Print(Render(run))
			return nil
		},
		OnFail: func(err error) {
			s.l.Error("failed to execute run", "branch", trig.Branch, "revision", trig.Revision, "error", err)
		},
	})
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

func (s *Server) GetSummary(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, Render(run))
}

// WatchRun streams run snapshots as json lines until the run reaches
// a terminal status or the client goes away. The notifier carries no
// payload; every wakeup re-reads the store and a snapshot is emitted
// only when something actually changed.
func (s *Server) WatchRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	run, err := s.db.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	lastStatus := models.RunStatus("")
	lastResults := -1

	for {
		if run.Status != lastStatus || len(run.Results) != lastResults {
			if err := enc.Encode(run); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			lastStatus, lastResults = run.Status, len(run.Results)
		}

		if run.Status.Terminal() {
			return
		}

		select {
		case <-ch:
		case <-r.Context().Done():
			return
		}

		if run, err = s.db.GetRun(runID); err != nil {
			return
		}
	}
}

// StreamLogs follows a stage's captured output. With ?follow=true the
// response streams json lines as the stage produces them.
func (s *Server) StreamLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	stage := chi.URLParam(r, "stage")
	follow := r.URL.Query().Get("follow") == "true"

	path := engine.StageLogPath(s.cfg.Pipelines.LogDir, runID, stage)
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		MustExist: true,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, "no logs for stage")
		return
	}
	defer t.Stop()

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			fmt.Fprintln(w, line.Text)
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) resolveApproval(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "id")
		actor := r.Header.Get("X-Approver")
		if actor == "" {
			writeError(w, http.StatusBadRequest, "X-Approver header required")
			return
		}

		err := s.gate.Resolve(runID, approved, actor)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}

		s.l.Info("approval resolved", "run", runID, "approved", approved, "actor", actor)
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
