package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"forest/internal/config"
	"forest/internal/embedding"
	"forest/internal/generate"
	"forest/internal/logging"
	"forest/internal/onboarding"
	"forest/internal/orchestrator"
	"forest/internal/recommend"
	"forest/internal/reflection"
	"forest/internal/session"
	"forest/internal/snapshot"
	"forest/internal/store"
	"forest/internal/types"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string
	userName  string

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forest",
	Short: "forest - hierarchical goal decomposition and session engine",
	Long: `forest decomposes a personal goal into a hierarchical task tree and
keeps a living session around it: frontier task recommendations, completion
propagation, reflections with semantic memory, and a withering signal that
tracks how long the journey has sat idle.

Start with 'forest onboard' to set a goal, then 'forest context' to generate
your first tree.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return logging.Initialize(workspace)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// app is the composition root shared by every command.
type app struct {
	cfg      *config.Config
	snaps    *store.SQLiteSnapshotStore
	mems     *store.SQLiteMemoryStore
	manager  *session.Manager
	executor session.Executor
	onboard  *onboarding.Service
	orc      *orchestrator.Orchestrator
	userID   uuid.UUID
}

func newApp() (*app, error) {
	cfg, err := config.Load(filepath.Join(workspace, ".forest", "config.yaml"))
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Storage.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workspace, dbPath)
	}
	snaps, err := store.NewSQLiteSnapshotStore(dbPath)
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		APIKey: cfg.LLM.APIKey,
		Model:  cfg.LLM.EmbeddingModel,
	})
	if err != nil {
		snaps.Close()
		return nil, err
	}
	mems, err := store.NewSQLiteMemoryStore(memoryDBPath(dbPath), engine)
	if err != nil {
		snaps.Close()
		return nil, err
	}

	executor := session.NewExecutor(cfg.Heartbeat.Model)
	manager := session.NewManager(snaps, executor, cfg)

	var generator generate.Generator
	var analyzer reflection.Analyzer
	if cfg.LLM.APIKey != "" {
		client, err := generate.NewGeminiClient(cfg)
		if err != nil {
			snaps.Close()
			mems.Close()
			return nil, err
		}
		generator = generate.NewLLMGenerator(client)
		analyzer = reflection.NewLLMAnalyzer(client)
	} else {
		logger.Warn("no API key configured; using offline generation and analysis")
		generator = generate.NewStaticGenerator()
		analyzer = reflection.NewHeuristicAnalyzer()
	}

	rec := recommend.New()
	return &app{
		cfg:      cfg,
		snaps:    snaps,
		mems:     mems,
		manager:  manager,
		executor: executor,
		onboard:  onboarding.NewService(manager, snaps, generator, rec, cfg),
		orc:      orchestrator.New(manager, snaps, mems, analyzer, generator, rec, cfg),
		userID:   resolveUserID(userName),
	}, nil
}

// openSession resumes the user's session from the latest stored snapshot.
func (a *app) openSession(ctx context.Context) error {
	latest, err := a.snaps.GetLatest(ctx, a.userID)
	if err != nil {
		return err
	}
	_, err = a.manager.StartSession(ctx, a.userID, latest, nil)
	return err
}

func (a *app) close() {
	if err := a.manager.StopAllSessions(); err != nil {
		logger.Warn("error stopping sessions", zap.Error(err))
	}
	if q, ok := a.executor.(*session.QueueExecutor); ok {
		q.Close()
	}
	a.snaps.Close()
	a.mems.Close()
}

// withSession runs fn inside a resumed session and tears it down afterwards.
func withSession(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if err := a.openSession(ctx); err != nil {
			return err
		}
		return fn(ctx, a, args)
	}
}

// resolveUserID maps a user name to a stable id. A literal uuid is used as-is.
func resolveUserID(name string) uuid.UUID {
	if id, err := uuid.Parse(name); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("forest:user:"+name))
}

func memoryDBPath(dbPath string) string {
	ext := filepath.Ext(dbPath)
	return strings.TrimSuffix(dbPath, ext) + "_memory" + ext
}

func newOnboardCmd() *cobra.Command {
	var domain, targetDate, path string
	cmd := &cobra.Command{
		Use:   "onboard [goal]",
		Short: "Set your goal and begin onboarding",
		Args:  cobra.MinimumNArgs(1),
		RunE: withSession(func(ctx context.Context, a *app, args []string) error {
			goal := strings.Join(args, " ")
			res, err := a.onboard.SetGoal(ctx, a.userID, goal, domain, targetDate, snapshot.Path(path))
			if err != nil {
				return err
			}
			fmt.Printf("Goal recorded. Status: %s\n", res.Status)
			fmt.Println("Next: tell me about your situation with 'forest context \"...\"'")
			return nil
		}),
	}
	cmd.Flags().StringVar(&domain, "domain", "", "goal domain, e.g. health, skill, career")
	cmd.Flags().StringVar(&targetDate, "target-date", "", "optional target date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&path, "path", "structured", "journey path: structured, blended, open")
	return cmd
}

func newContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context [text]",
		Short: "Add context and generate your first task tree",
		Args:  cobra.MinimumNArgs(1),
		RunE: withSession(func(ctx context.Context, a *app, args []string) error {
			res, err := a.onboard.AddContext(ctx, a.userID, strings.Join(args, " "))
			if err != nil {
				if types.IsServiceUnavailable(err) {
					fmt.Println("The generation service is unreachable right now; your goal is saved, try again shortly.")
				}
				return err
			}
			fmt.Printf("Onboarding %s.\n", res.Status)
			if res.RecommendedTask != nil {
				fmt.Printf("First task: %s\n", res.RecommendedTask.Title)
			}
			return nil
		}),
	}
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the current actionable (frontier) tasks",
		RunE: withSession(func(ctx context.Context, a *app, args []string) error {
			frontier, err := a.orc.FrontierTasks(a.userID)
			if err != nil {
				return err
			}
			if len(frontier) == 0 {
				fmt.Println("No actionable tasks. Onboard first, or everything is done.")
				return nil
			}
			for i, task := range frontier {
				fmt.Printf("%2d. %s  (%s)\n", i+1, task.Title, task.ID)
				if task.Description != "" {
					fmt.Printf("      %s\n", task.Description)
				}
			}
			return nil
		}),
	}
}

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the recommended next task",
		RunE: withSession(func(ctx context.Context, a *app, args []string) error {
			task, err := a.orc.NextTask(a.userID)
			if err != nil {
				return err
			}
			if task == nil {
				fmt.Println("Nothing to recommend right now.")
				return nil
			}
			fmt.Printf("Next up: %s  (%s)\n", task.Title, task.ID)
			return nil
		}),
	}
}

func newCompleteCmd() *cobra.Command {
	var failed bool
	var note string
	cmd := &cobra.Command{
		Use:   "complete [task-id]",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, a *app, args []string) error {
			taskID, err := uuid.Parse(args[0])
			if err != nil {
				return types.NewValidationError("invalid task id %q", args[0])
			}
			res, err := a.orc.ProcessTaskCompletion(ctx, a.userID, taskID, !failed, note)
			if err != nil {
				return err
			}
			if res.Completion.AlreadyCompleted {
				fmt.Println("That task was already completed.")
				return nil
			}
			fmt.Println(res.Message)
			if res.Completion.ExpansionTriggered {
				expansions, err := a.orc.ProcessExpansions(ctx, a.userID)
				if err != nil {
					logger.Warn("phase expansion failed", zap.Error(err))
				}
				for _, exp := range expansions {
					fmt.Printf("New tasks added under %q:\n", exp.PhaseTitle)
					for _, task := range exp.AddedTasks {
						fmt.Printf("  - %s\n", task.Title)
					}
				}
			}
			if res.NextTask != nil {
				fmt.Printf("Next up: %s\n", res.NextTask.Title)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "record the attempt as unsuccessful")
	cmd.Flags().StringVar(&note, "note", "", "optional reflection on the task")
	return cmd
}

func newReflectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reflect [text]",
		Short: "Record a reflection on your journey",
		Args:  cobra.MinimumNArgs(1),
		RunE: withSession(func(ctx context.Context, a *app, args []string) error {
			res, err := a.orc.ProcessReflection(ctx, a.userID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Reflection recorded (sentiment %+.2f).\n", res.Entry.SentimentScore)
			if res.Insight != "" {
				fmt.Println(res.Insight)
			}
			return nil
		}),
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		RunE: withSession(func(ctx context.Context, a *app, args []string) error {
			lock, err := a.manager.SessionLock(a.userID)
			if err != nil {
				return err
			}
			lock.Lock()
			defer lock.Unlock()

			snap, err := a.manager.Snapshot(a.userID)
			if err != nil {
				return err
			}
			fmt.Printf("Onboarding:  %s\n", onboarding.StatusOf(snap))
			if snap.GoalText != "" {
				fmt.Printf("Goal:        %s\n", snap.GoalText)
			}
			fmt.Printf("Path:        %s\n", snap.CurrentPath)
			fmt.Printf("Withering:   %.2f\n", snap.WitheringLevel)
			if snap.Tree != nil {
				m := snap.Tree.Manifest
				fmt.Printf("Progress:    %d/%d tasks (%.0f%%)\n",
					m.CompletedTasks, m.TaskCount, m.CompletionFraction()*100)
			}
			if n := len(snap.ReflectionLog); n > 0 {
				fmt.Printf("Reflections: %d\n", n)
			}
			return nil
		}),
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the session heartbeat running until interrupted",
		Long: `Resumes the session and keeps its heartbeat alive: every tick advances
the withering signal and persists the snapshot. Stop with Ctrl-C; a final
snapshot is saved on the way out.`,
		RunE: withSession(func(ctx context.Context, a *app, args []string) error {
			fmt.Printf("Session running for user %s (heartbeat %s, model %s). Ctrl-C to stop.\n",
				a.userID, a.cfg.HeartbeatInterval(), a.executor.Name())

			watcher, err := config.NewWatcher(filepath.Join(workspace, ".forest", "config.yaml"), func(next *config.Config) {
				logger.Info("configuration reloaded")
				a.cfg.Withering = next.Withering
				a.cfg.Expansion = next.Expansion
			})
			if err != nil {
				logger.Warn("config watcher unavailable", zap.Error(err))
			} else if err := watcher.Start(); err != nil {
				logger.Warn("config watcher failed to start", zap.Error(err))
				watcher.Stop()
			} else {
				defer watcher.Stop()
			}

			<-ctx.Done()
			fmt.Println("Shutting down, saving final snapshot...")
			return nil
		}),
	}
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", defaultWorkspace(), "workspace directory")
	rootCmd.PersistentFlags().StringVar(&userName, "user", "default", "user name or id")

	rootCmd.AddCommand(
		newOnboardCmd(),
		newContextCmd(),
		newTasksCmd(),
		newNextCmd(),
		newCompleteCmd(),
		newReflectCmd(),
		newStatusCmd(),
		newRunCmd(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
		// Second signal kills immediately.
		<-sigCh
		os.Exit(1)
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultWorkspace() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
