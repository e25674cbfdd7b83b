package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"safemod/internal/checkpoint"
	"safemod/internal/config"
	"safemod/internal/risk"
	"safemod/internal/safety"
)

var (
	configPath string
	stateDir   string
	workDir    string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "safemod",
		Short: "Checkpoint, assess and roll back file modifications",
		Long: `safemod snapshots files before they are modified, scores the risk of a
proposed change, previews it, gates it behind approval and rolls it back
when applying it fails.`,
		SilenceUsage: true,
	}

	checkpointCmd = &cobra.Command{
		Use:     "checkpoint",
		Short:   "Manage file checkpoints",
		Aliases: []string{"cp"},
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <state-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory for backups, database and logs (default ~/.safemod)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "project directory (default current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	checkpointCmd.AddCommand(
		newCheckpointCreateCmd(),
		newCheckpointListCmd(),
		newCheckpointShowCmd(),
		newCheckpointRestoreCmd(),
		newCheckpointDeleteCmd(),
		newCheckpointDiffCmd(),
		newCheckpointVerifyCmd(),
	)
	rootCmd.AddCommand(
		checkpointCmd,
		newAssessCmd(),
		newRunCmd(),
		newEventsCmd(),
		newStatusCmd(),
	)
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if stateDir != "" {
		cfg = config.LoadDir(stateDir)
	} else {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	}

	path := configPath
	if path == "" {
		path = cfg.DefaultFile()
	}
	if err := cfg.LoadFile(path); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// withApp starts an App for the duration of fn.
func withApp(cmd *cobra.Command, fn func(app *App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := workDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}

	app := NewApp(cfg, dir)
	if err := app.Startup(cmd.Context()); err != nil {
		return err
	}
	defer app.Shutdown(cmd.Context())
	return fn(app)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func absPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

// ===== Checkpoint Commands =====

func newCheckpointCreateCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "create [paths...]",
		Short: "Snapshot files into a new checkpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *App) error {
				result, err := app.CreateCheckpoint(message, args)
				if err != nil {
					return err
				}
				if err := printJSON(result); err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("checkpoint not created: %s", result.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "manual checkpoint", "checkpoint description")
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List checkpoints, newest first",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *App) error {
				records, err := app.ListCheckpoints()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCREATED\tFILES\tSIZE\tRISK\tDESCRIPTION")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%d (+%d new)\t%s\t%s\t%s\n",
						r.ID,
						humanize.Time(r.CreatedAt),
						r.FileCount,
						r.AbsentCount,
						humanize.Bytes(uint64(r.BackupSize)),
						lo.Ternary(r.RiskLevel == "", "-", r.RiskLevel),
						r.Description)
				}
				return w.Flush()
			})
		},
	}
}

func newCheckpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show a checkpoint and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *App) error {
				cp, err := app.GetCheckpoint(args[0])
				if err != nil {
					return err
				}
				return printJSON(cp)
			})
		},
	}
}

func newCheckpointRestoreCmd() *cobra.Command {
	var opts checkpoint.RestoreOptions
	cmd := &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore files from a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := absPaths(opts.SpecificFiles)
			if err != nil {
				return err
			}
			opts.SpecificFiles = files
			return withApp(cmd, func(app *App) error {
				result, err := app.RestoreCheckpoint(args[0], opts)
				if err != nil {
					return err
				}
				if err := printJSON(result); err != nil {
					return err
				}
				if !result.Success {
					return fmt.Errorf("restore incomplete: %s", lo.Ternary(result.Error != "", result.Error, "see errors above"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.ForceOverwrite, "force", false, "overwrite files modified since the checkpoint")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would be restored without writing")
	cmd.Flags().StringSliceVar(&opts.SpecificFiles, "file", nil, "restore only these files")
	return cmd
}

func newCheckpointDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <checkpoint-id>",
		Short:   "Delete a checkpoint and its backups",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *App) error {
				return app.DeleteCheckpoint(args[0])
			})
		},
	}
}

func newCheckpointDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <from-id> <to-id>",
		Short: "Compare the files recorded by two checkpoints",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *App) error {
				diff, err := app.DiffCheckpoints(args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(diff)
			})
		},
	}
}

func newCheckpointVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <checkpoint-id>",
		Short: "Check backups against their recorded hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *App) error {
				corrupted, err := app.VerifyCheckpoint(args[0])
				if err != nil {
					return err
				}
				if len(corrupted) == 0 {
					fmt.Println("all backups intact")
					return nil
				}
				for _, p := range corrupted {
					fmt.Println(p)
				}
				return fmt.Errorf("%d corrupted backup(s)", len(corrupted))
			})
		},
	}
}

// ===== Safety Commands =====

type operationFlags struct {
	opType      string
	description string
	content     map[string]string
	sideEffects []string
	priorities  map[string]int
	noAuto      bool
}

func (f *operationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.opType, "type", "t", string(risk.OpModify), "operation type: create, modify or delete")
	cmd.Flags().StringVarP(&f.description, "message", "m", "", "operation description")
	cmd.Flags().StringToStringVar(&f.content, "content", nil, "new content as target=source-file")
	cmd.Flags().StringSliceVar(&f.sideEffects, "side-effect", nil, "external side effect that needs manual rollback")
	cmd.Flags().StringToIntVar(&f.priorities, "priority", nil, "rollback priority as target=n, higher restores first")
	cmd.Flags().BoolVar(&f.noAuto, "no-auto-approve", false, "require manual approval even for safe operations")
	_ = cmd.MarkFlagRequired("message")
}

func (f *operationFlags) operationContext(targets []string) (safety.OperationContext, error) {
	opCtx := safety.OperationContext{
		Description: f.description,
		Type:        risk.OperationType(f.opType),
		SideEffects: f.sideEffects,
		NewContent:  make(map[string][]byte, len(f.content)),
		Priorities:  make(map[string]int, len(f.priorities)),
	}
	if f.noAuto {
		opCtx.Preferences.AutoApprove = lo.ToPtr(false)
	}

	abs, err := absPaths(targets)
	if err != nil {
		return opCtx, err
	}
	opCtx.Targets = abs

	for target, source := range f.content {
		path, err := filepath.Abs(target)
		if err != nil {
			return opCtx, err
		}
		data, err := os.ReadFile(source)
		if err != nil {
			return opCtx, fmt.Errorf("read content for %s: %w", target, err)
		}
		opCtx.NewContent[path] = data
	}
	for target, prio := range f.priorities {
		path, err := filepath.Abs(target)
		if err != nil {
			return opCtx, err
		}
		opCtx.Priorities[path] = prio
	}
	return opCtx, nil
}

func newAssessCmd() *cobra.Command {
	var flags operationFlags
	cmd := &cobra.Command{
		Use:   "assess [targets...]",
		Short: "Assess, preview and checkpoint a proposed operation without applying it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opCtx, err := flags.operationContext(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(app *App) error {
				approval, err := app.AssessOperation(opCtx)
				if err != nil {
					return err
				}
				return printJSON(approval)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	var flags operationFlags
	var approvers []string
	cmd := &cobra.Command{
		Use:   "run [targets...]",
		Short: "Apply an operation under checkpoint protection",
		Long: `run assesses the operation, records the given approvals and writes the new
content. If writing fails the targets are rolled back from the checkpoint.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opCtx, err := flags.operationContext(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(app *App) error {
				outcome, runErr := app.RunOperation(opCtx, approvers)
				if outcome != nil {
					if err := printJSON(outcome); err != nil {
						return err
					}
				}
				return runErr
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&approvers, "approve", nil, "approver names to record")
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <operation-id>",
		Short: "Show the journaled safety events of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *App) error {
				events, err := app.GetSafetyEvents(args[0])
				if err != nil {
					return err
				}
				if len(events) == 0 {
					return fmt.Errorf("no events for operation %s", args[0])
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSEVERITY\tTYPE\tDETAIL")
				for _, e := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format("15:04:05.000"), e.Severity, e.Type, e.Detail)
				}
				return w.Flush()
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show source control status and checkpoint usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *App) error {
				records, err := app.ListCheckpoints()
				if err != nil {
					return err
				}
				var total int64
				for _, r := range records {
					total += r.BackupSize
				}
				fmt.Printf("checkpoints: %d (%s)\n", len(records), humanize.Bytes(uint64(total)))
				if len(records) > 0 {
					fmt.Printf("latest: %s, %s\n", records[0].ID, humanize.Time(records[0].CreatedAt))
				}

				status, err := app.GetGitStatus()
				if err != nil {
					fmt.Printf("source control: %v\n", err)
					return nil
				}
				fmt.Printf("branch: %s\n", lo.Ternary(status.Branch == "", "(detached)", status.Branch))
				fmt.Printf("clean: %t, modified: %d, staged: %d, untracked: %d\n",
					status.IsClean, len(status.Modified), len(status.Staged), len(status.Untracked))
				return nil
			})
		},
	}
}
