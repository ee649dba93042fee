package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/aio/internal/agent"
	"github.com/zjrosen/aio/internal/config"
	"github.com/zjrosen/aio/internal/git"
	"github.com/zjrosen/aio/internal/github"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/loop"
	"github.com/zjrosen/aio/internal/notify"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/paths"
	"github.com/zjrosen/aio/internal/reaper"
	"github.com/zjrosen/aio/internal/safety"
	"github.com/zjrosen/aio/internal/store"
	"github.com/zjrosen/aio/internal/tool"
	"github.com/zjrosen/aio/internal/tracing"
)

var orchestrateSession string

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run the kernel process for a session",
	Long: `Orchestrate hosts the kernel: the event dispatch loop, the notifier, the
heartbeat reaper and the HTTP tool server agents call. 'aio start' runs it
in its own pane; run it by hand only to resume a session whose kernel
died.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runOrchestrate,
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)
	orchestrateCmd.Flags().StringVar(&orchestrateSession, "session", "",
		"session GUID (default: $AIO_SESSION, then the one running session)")
}

func runOrchestrate(_ *cobra.Command, _ []string) error {
	root, err := repoRoot()
	if err != nil {
		return fmt.Errorf("resolving repository root: %w", err)
	}
	aioDir := paths.Resolve(root)

	if err := os.MkdirAll(paths.LogsDir(aioDir), 0o750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(paths.LogsDir(aioDir), "kernel.log")
	cleanup, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("initializing log: %w", err)
	}
	defer cleanup()
	if !debugFlag {
		log.SetMinLevel(log.LevelInfo)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(storePath(aioDir))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	sess, err := resolveSession(st)
	if err != nil {
		return err
	}
	if err := st.SetSessionPID(sess.GUID, os.Getpid()); err != nil {
		log.Warn(log.CatSession, "Recording kernel PID failed", "error", err)
	}

	// Bind before anything advertises the port; a restarted kernel
	// reclaims the session's original port or fails loudly here.
	port := sess.Port
	if port == 0 {
		port = cfg.Orchestrator.Port
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("binding tool server: %w", err)
	}
	port = ln.Addr().(*net.TCPAddr).Port
	if port != sess.Port {
		if err := st.SetSessionPort(sess.GUID, port); err != nil {
			log.Warn(log.CatSession, "Recording port failed", "error", err)
		}
	}

	tracingCfg := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	}
	if tracingCfg.Enabled && tracingCfg.Exporter == "file" && tracingCfg.FilePath == "" {
		if err := os.MkdirAll(paths.TracesDir(aioDir), 0o750); err != nil {
			return fmt.Errorf("creating traces directory: %w", err)
		}
		tracingCfg.FilePath = filepath.Join(paths.TracesDir(aioDir), "traces.jsonl")
	}
	tp, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	workspaces := git.NewManager(git.NewRealExecutor(root), git.WorkspaceConfig{
		RepoRoot:      root,
		BranchPrefix:  cfg.Git.BranchPrefix,
		Remote:        cfg.Git.Remote,
		DefaultBranch: cfg.Git.DefaultBranch,
	})
	panes := pane.NewTmuxManager()
	desktop := notify.NewDesktop(cfg.Notifications.Desktop)

	var guard *safety.Guard // nil allows everything
	if cfg.Safety.Enabled {
		if guard, err = safety.NewGuard(cfg.Safety.ExtraDenyPatterns); err != nil {
			return fmt.Errorf("compiling safety deny list: %w", err)
		}
	}

	surface := tool.NewSurface(tool.Deps{
		Store:      st,
		Pusher:     workspaces,
		PR:         github.NewCLIExecutor(),
		Panes:      panes,
		Workspaces: workspaces,
		Guard:      guard,
		Runner:     tool.NewShellRunner(cfg.Orchestrator.OutputLimit),
		Config:     cfg.Orchestrator,
		Tracer:     tp.Tracer(),
		Version:    version,
	})

	kernel := loop.New(loop.Deps{
		Store:            st,
		Workspaces:       workspaces,
		Panes:            panes,
		Launcher:         agent.NewLauncher(cfg),
		Desktop:          desktop,
		Tracer:           tp.Tracer(),
		Config:           cfg.Orchestrator,
		AioDir:           aioDir,
		RepoRoot:         root,
		Port:             port,
		OrchestratorPane: pane.Handle(sess.OrchestratorPane),
	})
	notifier := notify.New(notify.Config{
		Store:       st,
		Panes:       panes,
		PlannerPane: pane.Handle(sess.PlannerPane),
	})
	reap := reaper.New(reaper.Config{
		Interval:   cfg.Orchestrator.ReapInterval,
		Timeout:    cfg.Orchestrator.HeartbeatTimeout,
		Store:      st,
		Panes:      panes,
		Workspaces: workspaces,
		Desktop:    desktop,
	})

	srv := &http.Server{
		Handler:           surface.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("tool server: %w", err)
		}
	}()
	go func() {
		errCh <- kernel.Run(ctx)
	}()
	notifier.Start()
	reap.Start()

	log.Info(log.CatSession, "Kernel started",
		"session", sess.GUID, "port", port, "store", st.Path(), "pid", os.Getpid())
	fmt.Printf("aio kernel: session %s, tool server on 127.0.0.1:%d\n", shortID(sess.GUID), port)
	fmt.Printf("logs: %s\n", logPath)

	var runErr error
	select {
	case sig := <-sigCh:
		fmt.Printf("\n%s received, shutting down\n", sig)
	case runErr = <-errCh:
		if runErr != nil {
			log.ErrorErr(log.CatSession, "Kernel stopped on error", runErr)
			fmt.Fprintf(os.Stderr, "kernel error: %v\n", runErr)
		}
	}

	// The loop finishes its in-flight event before Run returns.
	cancel()
	notifier.Stop()
	reap.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatSession, "Tool server shutdown failed", "error", err)
	}
	surface.Stop()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatSession, "Trace flush failed", "error", err)
	}

	log.Info(log.CatSession, "Kernel stopped", "session", sess.GUID)
	return runErr
}

// resolveSession picks the session this kernel serves: the --session
// flag, then $AIO_SESSION, then the only running session.
func resolveSession(st *store.Store) (store.Session, error) {
	guid := orchestrateSession
	if guid == "" {
		guid = os.Getenv("AIO_SESSION")
	}

	var sess store.Session
	var err error
	if guid != "" {
		if sess, err = st.GetSessionByGUID(guid); err != nil {
			return store.Session{}, fmt.Errorf("looking up session %s: %w", guid, err)
		}
	} else {
		active, err := st.ActiveSessions()
		if err != nil {
			return store.Session{}, fmt.Errorf("listing sessions: %w", err)
		}
		if len(active) != 1 {
			return store.Session{}, fmt.Errorf("--session required: %d sessions are running", len(active))
		}
		sess = active[0]
	}

	if sess.State != store.SessionRunning {
		return store.Session{}, fmt.Errorf("session %s is stopped; run 'aio start' for a new one", shortID(sess.GUID))
	}
	return sess, nil
}
