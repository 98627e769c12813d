package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"muse/internal/config"
	"muse/internal/logging"
	"muse/internal/memory"
	"muse/internal/router"
	"muse/internal/scheduler"
	"muse/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "muse",
	Short: "muse - autonomous digital-assistant memory runtime",
	Long: `muse is the memory core of a personal digital assistant.

It maintains a three-layer hierarchical memory (working buffer, rolling
summaries, persistent identity), extracts recallable facts from every
exchange, routes queries between perfect-recall and semantic retrieval,
and runs scheduled autonomous tasks across process restarts.`,
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

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if workspace != "" {
			cfg.WorkspacePath = workspace
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return logging.Initialize(cfg.WorkspacePath, logging.Settings{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.Format == "json",
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// daemonCmd runs the assistant runtime until interrupted
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the memory runtime and task orchestrator until interrupted",
	Long: `Starts the hierarchical memory manager and the autonomous task
orchestrator, then waits for SIGINT/SIGTERM. A session a previous daemon
left open (crash, power loss) is resumed with its working buffer
reconstructed from disk. On shutdown the session is closed cleanly:
pending compression is flushed, the conversation summary is persisted,
and identity documents are saved.`,
	RunE: runDaemon,
}

// rememberCmd records one exchange
var rememberCmd = &cobra.Command{
	Use:   "remember [text]",
	Short: "Record an exchange into memory",
	Long: `Records a user/agent exchange: the episode is persisted, facts are
extracted, and a semantic record is stored.

Example:
  muse remember "Email mom@example.com about dinner at 7pm Friday" --agent "Email sent"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemember,
}

// recallCmd routes a query through the recall engine
var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Recall stored information",
	Long: `Routes the query between the fact store (perfect recall) and the
semantic store (approximate retrieval) and prints the results.

Examples:
  muse recall "who did I email about dinner"
  muse recall "what did we discuss about the garden" --explain`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecall,
}

// contextCmd prints the assembled prompt context
var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the layered context block for the current workspace",
	RunE:  runContext,
}

// statsCmd reports store statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory and task statistics",
	RunE:  runStats,
}

// pruneCmd cleans up stale semantic records
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old, unimportant, rarely-accessed semantic records",
	RunE:  runPrune,
}

// sessionCmd groups session lifecycle operations
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage memory sessions",
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "Close any sessions left open by a crashed process",
	RunE:  runSessionEnd,
}

// taskCmd groups scheduled task operations
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage autonomous scheduled tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a scheduled task",
	Long: `Creates a task from a schedule expression and a template name.
Schedules accept cron, @daily/@weekly/@monthly, and natural language.

Examples:
  muse task create --name "morning briefing" --schedule "daily at 9am" --template note --config text="good morning"
  muse task create --name backup --schedule "0 3 * * *" --template echo`,
	RunE: runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks with their next fire times",
	RunE:  runTaskList,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task and its execution history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var taskRunCmd = &cobra.Command{
	Use:   "run [task-id]",
	Short: "Execute a task immediately, ignoring its schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskForce,
}

var (
	agentReply     string
	recallLimit    int
	recallExplain  bool
	taskName       string
	taskSchedule   string
	taskTemplate   string
	taskConfigKVs  []string
	pruneOlderThan time.Duration
	pruneMinImp    float64
	pruneMinAccess int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: ~/.muse/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory override")

	rememberCmd.Flags().StringVar(&agentReply, "agent", "", "Agent side of the exchange")

	recallCmd.Flags().IntVar(&recallLimit, "limit", 5, "Maximum results")
	recallCmd.Flags().BoolVar(&recallExplain, "explain", false, "Explain the routing decision")

	taskCreateCmd.Flags().StringVar(&taskName, "name", "", "Task display name (required)")
	taskCreateCmd.Flags().StringVar(&taskSchedule, "schedule", "", "Schedule expression (required)")
	taskCreateCmd.Flags().StringVar(&taskTemplate, "template", "", "Template name (required)")
	taskCreateCmd.Flags().StringArrayVar(&taskConfigKVs, "config", nil, "Template config as key=value (repeatable)")
	taskCreateCmd.MarkFlagRequired("name")
	taskCreateCmd.MarkFlagRequired("schedule")
	taskCreateCmd.MarkFlagRequired("template")

	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Minimum age")
	pruneCmd.Flags().Float64Var(&pruneMinImp, "min-importance", 0.3, "Importance floor; less important records are eligible")
	pruneCmd.Flags().IntVar(&pruneMinAccess, "min-access", 2, "Access floor; less accessed records are eligible")

	sessionCmd.AddCommand(sessionEndCmd)

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskRunCmd)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(taskCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openSession builds and starts a memory manager for one CLI invocation.
func openSession(ctx context.Context, name string, resume bool) (*memory.Manager, error) {
	m, err := memory.Open(cfg, memory.Options{SessionName: name, Resume: resume})
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := openSession(ctx, "daemon", true)
	if err != nil {
		return err
	}

	orch := scheduler.New(cfg.Scheduler, m.Store(), scheduler.DefaultRegistry(), cfg.Location(), m)
	if err := orch.Start(ctx); err != nil {
		m.Close()
		return err
	}

	logger.Info("muse daemon running",
		zap.String("workspace", cfg.WorkspacePath),
		zap.String("session", m.SessionID()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	orch.Stop()
	cancel()
	return m.OnSessionEnd(context.Background())
}

func runRemember(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	m, err := openSession(ctx, "remember", false)
	if err != nil {
		return err
	}
	defer m.OnSessionEnd(ctx)

	userText := strings.Join(args, " ")
	agentText := agentReply
	if agentText == "" {
		agentText = "Noted."
	}
	epID, err := m.RecordExchange(ctx, userText, agentText)
	if err != nil {
		return err
	}
	fmt.Printf("Remembered (episode %s)\n", epID)
	return nil
}

func runRecall(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	m, err := openSession(ctx, "recall", false)
	if err != nil {
		return err
	}
	defer m.OnSessionEnd(ctx)

	query := strings.Join(args, " ")
	d, err := m.Recall(ctx, query, recallLimit)
	if err != nil {
		return err
	}

	if recallExplain {
		fmt.Println(router.New(m.Facts(), m.Semantic()).Explain(query))
	}
	if d.Count == 0 && len(d.Texts) == 0 {
		fmt.Println("Nothing found.")
		return nil
	}
	fmt.Printf("Source: %s", d.Source)
	if d.FactType != "" {
		fmt.Printf(" (type: %s)", d.FactType)
	}
	fmt.Println()
	for _, f := range d.Facts {
		fmt.Printf("  [%s] %s (importance %.2f, %s)\n",
			f.Type, f.Content, f.Importance, f.Timestamp.Local().Format("2006-01-02 15:04"))
	}
	for _, text := range d.Texts {
		fmt.Printf("  %s\n", text)
	}
	return nil
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	m, err := openSession(ctx, "context", false)
	if err != nil {
		return err
	}
	defer m.OnSessionEnd(ctx)

	fmt.Println(m.ContextForPrompt(ctx, 0))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	m, err := openSession(ctx, "stats", false)
	if err != nil {
		return err
	}
	defer m.OnSessionEnd(ctx)

	counts, err := m.Store().Stats()
	if err != nil {
		return err
	}
	fmt.Println("Store:")
	for _, table := range []string{"sessions", "episodes", "summaries", "session_summaries", "facts", "scheduled_tasks", "task_executions"} {
		if n, ok := counts[table]; ok {
			fmt.Printf("  %-16s %d\n", table, n)
		}
	}

	if fs, err := m.Facts().ComputeStats(); err == nil {
		fmt.Printf("Facts: %d total, avg importance %.2f\n", fs.Total, fs.AvgImportance)
		for ft, n := range fs.PerType {
			fmt.Printf("  %-16s %d\n", ft, n)
		}
	}

	if n, err := m.Semantic().Count(ctx); err == nil {
		fmt.Printf("Semantic records: %d\n", n)
	}
	fmt.Printf("Identity coherence: %.2f (awakening %d)\n",
		m.Identity().Coherence(), m.Identity().AwakeningCount())
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	m, err := openSession(ctx, "prune", false)
	if err != nil {
		return err
	}
	defer m.OnSessionEnd(ctx)

	n, err := m.Semantic().Prune(ctx, pruneOlderThan, pruneMinImp, pruneMinAccess)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d semantic record(s)\n", n)
	return nil
}

func runSessionEnd(cmd *cobra.Command, args []string) error {
	db, err := store.Open(cfg.MemoryDBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.EndOpenSessions(time.Now())
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("No open sessions.")
	} else {
		fmt.Printf("Closed %d session(s)\n", n)
	}
	return nil
}

// openOrchestrator opens the store and an orchestrator without a full
// memory session, for task management commands.
func openOrchestrator() (*scheduler.Orchestrator, *store.Store, error) {
	if err := os.MkdirAll(cfg.WorkspacePath, 0755); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.MemoryDBPath())
	if err != nil {
		return nil, nil, err
	}
	return scheduler.New(cfg.Scheduler, db, scheduler.DefaultRegistry(), cfg.Location(), nil), db, nil
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	orch, db, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer db.Close()

	tmplConfig := make(map[string]string)
	for _, kv := range taskConfigKVs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --config %q, want key=value", kv)
		}
		tmplConfig[k] = v
	}

	task, err := orch.CreateTask(taskName, taskSchedule, taskTemplate, tmplConfig)
	if err != nil {
		return err
	}
	fmt.Printf("Created task %s (%s)\n", task.DisplayName, task.ID)
	fmt.Printf("  schedule: %s\n", task.ScheduleExpression)
	if task.NextRun != nil {
		fmt.Printf("  next run: %s\n", task.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	orch, db, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer db.Close()

	tasks, err := orch.List()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	for _, task := range tasks {
		state := "enabled"
		if !task.Enabled {
			state = "disabled"
		}
		next := "-"
		if task.NextRun != nil {
			next = task.NextRun.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s  %-24s %-10s next=%s runs=%d ok=%d failed=%d  [%s]\n",
			task.ID, task.DisplayName, state, next,
			task.RunCount, task.SuccessCount, task.FailureCount,
			task.ScheduleExpression)
	}
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	orch, db, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := orch.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted task %s\n", args[0])
	return nil
}

func runTaskForce(cmd *cobra.Command, args []string) error {
	orch, db, err := openOrchestrator()
	if err != nil {
		return err
	}
	defer db.Close()

	exec, err := orch.ForceRun(context.Background(), args[0])
	if err != nil {
		return err
	}
	// template failures are reported, never a non-zero exit
	if exec.Success {
		fmt.Printf("Task succeeded in %.2fs\n%s\n", exec.DurationSeconds, exec.Output)
	} else {
		fmt.Printf("Task failed: %s\n", exec.ErrorMessage)
	}
	return nil
}
