// Command server is the workbench core: a single binary wiring the
// store, git and sandbox providers, event broker, job dispatcher, and
// service layer behind an HTTP surface for health, metrics, and the
// per-project SSE event stream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	corev1 "k8s.io/api/core/v1"

	"github.com/sandboxworks/workbench/internal/config"
	"github.com/sandboxworks/workbench/internal/events"
	"github.com/sandboxworks/workbench/internal/git"
	"github.com/sandboxworks/workbench/internal/jobs"
	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/reconcile"
	"github.com/sandboxworks/workbench/internal/sandbox"
	"github.com/sandboxworks/workbench/internal/sandbox/docker"
	"github.com/sandboxworks/workbench/internal/sandbox/k8sprovider"
	"github.com/sandboxworks/workbench/internal/service"
	"github.com/sandboxworks/workbench/internal/store"
	"github.com/sandboxworks/workbench/internal/telemetry"
)

func main() {
	var cfgFile string
	pflag.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	pflag.BoolP("verbose", "v", false, "enable debug logging")
	pflag.String("listen-addr", ":8080", "HTTP listen address")
	pflag.Parse()

	viper.BindPFlag("verbose", pflag.Lookup("verbose"))
	viper.BindPFlag("listen_addr", pflag.Lookup("listen-addr"))

	config.Load(cfgFile)
	if err := config.ValidateConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	telemetry.InitLogger(viper.GetBool("verbose"), "")
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(store.Config{
		Driver: viper.GetString("database.driver"),
		DSN:    viper.GetString("database.dsn"),
	})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	gitProvider := git.NewLocalProvider(viper.GetString("workspace_dir"))

	sandboxProvider, err := newSandboxProvider(logger)
	if err != nil {
		logger.Error("failed to initialize sandbox provider", "error", err)
		os.Exit(1)
	}

	broker := events.NewBroker()
	poller := events.NewPoller(st, broker, events.DefaultPollerConfig(), logger)
	go poller.Start(ctx)

	queue := jobs.NewQueue(st, 5)

	dispatcherCfg := jobs.Config{
		Workers:           viper.GetInt("dispatcher.workers"),
		PollInterval:      viper.GetDuration("dispatcher.poll_interval"),
		HeartbeatInterval: viper.GetDuration("dispatcher.heartbeat_interval"),
		HeartbeatTimeout:  viper.GetDuration("dispatcher.heartbeat_timeout"),
		JobTimeout:        viper.GetDuration("dispatcher.job_timeout"),
		StaleJobTimeout:   viper.GetDuration("dispatcher.stale_job_timeout"),
		LeaseDuration:     20 * time.Second,
	}
	hostname, _ := os.Hostname()
	dispatcher := jobs.New(st, st, dispatcherCfg, logger, fmt.Sprintf("server-%s", hostname))

	idleTimeout := viper.GetDuration("sandbox.idle_timeout")

	workspaceSvc := service.NewWorkspaceService(st, gitProvider, logger)
	sessionSvc := service.NewSessionService(st, gitProvider, sandboxProvider, queue, idleTimeout, logger)
	sandboxSvc := service.NewSandboxService(st, sandboxProvider, queue, broker, viper.GetString("sandbox.host"), logger)
	commitSvc := service.NewCommitService(st, gitProvider, sandboxSvc, logger)

	dispatcher.Register(model.JobKindWorkspaceInit, workspaceSvc)
	dispatcher.Register(model.JobKindSessionInit, sessionSvc.InitExecutor())
	dispatcher.Register(model.JobKindSessionCommit, commitSvc.Executor())
	dispatcher.Register(model.JobKindSessionDelete, sessionSvc.DeleteExecutor())

	go dispatcher.Run(ctx)

	scanner := reconcile.NewScanner(sandboxSvc, viper.GetDuration("reconcile.interval"), idleTimeout, logger)
	go scanner.Run(ctx)

	router := newRouter(st, broker)

	srv := &http.Server{
		Addr:    viper.GetString("listen_addr"),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("workbench server starting", "addr", srv.Addr, "sandbox_backend", viper.GetString("sandbox.backend"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newSandboxProvider(logger *slog.Logger) (sandbox.Provider, error) {
	image := viper.GetString("sandbox.image")
	switch viper.GetString("sandbox.backend") {
	case "k8s", "kubernetes":
		namespace := viper.GetString("sandbox.namespace")
		pullPolicy := corev1.PullPolicy(viper.GetString("sandbox.pull_policy"))
		if pullPolicy == "" {
			pullPolicy = corev1.PullAlways
		}
		return k8sprovider.NewFromEnv(namespace, image, pullPolicy)
	default:
		return docker.NewFromEnv(image)
	}
}

func newRouter(st store.Store, broker *events.Broker) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/projects/{projectID}/events", func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		if err := events.ServeSSE(w, r, st, broker, projectID); err != nil {
			slog.Default().Error("sse stream ended", "project_id", projectID, "error", err)
		}
	})

	return r
}
