package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/aio/internal/agent"
	"github.com/zjrosen/aio/internal/config"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/paths"
	"github.com/zjrosen/aio/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an orchestration session in the current tmux window",
	Long: `Start allocates a session, launches the kernel process in a new pane to
the right, and turns the current pane into the planner agent. Tasks you
submit through the planner are implemented by isolated worker agents,
each in its own git worktree, and reviewed before completion.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().Int("port", 0, "tool server port (0 picks a free port)")
	_ = viper.BindPFlag("orchestrator.port", startCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(startCmd)
}

func runStart(_ *cobra.Command, _ []string) error {
	currentPane := os.Getenv("TMUX_PANE")
	if currentPane == "" {
		return fmt.Errorf("aio spawns its agents into tmux panes; run it inside tmux")
	}

	root, err := repoRoot()
	if err != nil {
		return fmt.Errorf("resolving repository root: %w", err)
	}
	aioDir := paths.Resolve(root)
	if err := os.MkdirAll(aioDir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", aioDir, err)
	}
	cfgPath := paths.ConfigPath(aioDir)
	if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
		if err := config.WriteDefaultConfig(cfgPath); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(storePath(aioDir))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Two kernels over one store would race on event dispatch.
	active, err := st.ActiveSessions()
	if err != nil {
		return fmt.Errorf("checking for running sessions: %w", err)
	}
	if len(active) > 0 {
		return fmt.Errorf("session %s is already running; run 'aio stop' first", shortID(active[0].GUID))
	}

	port := cfg.Orchestrator.Port
	if port == 0 {
		if port, err = freePort(); err != nil {
			return fmt.Errorf("allocating tool server port: %w", err)
		}
	}

	// One generated file serves the planner; it mounts the admin server too.
	plannerCfg, err := agent.WriteConfig(aioDir, port, agent.RolePlanner, "")
	if err != nil {
		return fmt.Errorf("writing planner tool config: %w", err)
	}

	sess, err := st.CreateSession(store.Session{
		GUID:       uuid.NewString(),
		WindowName: filepath.Base(root),
		RepoRoot:   root,
		State:      store.SessionRunning,
		Port:       port,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	ctx := context.Background()
	panes := pane.NewTmuxManager()
	orchPane, err := panes.Split(ctx, pane.Handle(currentPane), pane.SideRight, root)
	if err != nil {
		return fmt.Errorf("splitting kernel pane: %w", err)
	}
	// Panes are recorded before the kernel boots so its notifier sees the
	// planner pane on first read.
	if err := st.SetSessionPanes(sess.GUID, currentPane, string(orchPane)); err != nil {
		return fmt.Errorf("recording session panes: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		exe = "aio"
	}
	orchCmd := fmt.Sprintf("%s orchestrate --session %s", agent.ShellQuote(exe), sess.GUID)
	if err := panes.SendText(ctx, orchPane, orchCmd, true); err != nil {
		return fmt.Errorf("launching kernel: %w", err)
	}

	launcher := agent.NewLauncher(cfg)
	plannerCmd, err := launcher.Command(agent.LaunchSpec{
		Role:         agent.RolePlanner,
		ConfigPath:   plannerCfg,
		SystemPrompt: agent.SystemPrompt(agent.RolePlanner),
		Prompt:       agent.PlannerPrompt(),
		Env: map[string]string{
			"AIO_SESSION": sess.GUID,
			"AIO_PORT":    fmt.Sprintf("%d", port),
		},
	})
	if err != nil {
		return fmt.Errorf("composing planner command: %w", err)
	}

	fmt.Printf("session %s\n", sess.GUID)
	fmt.Printf("kernel in pane %s, tool server on 127.0.0.1:%d\n", orchPane, port)
	fmt.Println("launching planner in this pane...")

	// Typed into our own pane; the shell picks it up once this process
	// exits.
	if err := panes.SendText(ctx, pane.Handle(currentPane), plannerCmd, true); err != nil {
		return fmt.Errorf("launching planner: %w", err)
	}
	return nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
