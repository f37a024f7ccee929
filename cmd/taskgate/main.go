// Package main implements the taskgate CLI, the operator surface for
// the gated task lifecycle.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgate/internal/config"
	"github.com/fyrsmithlabs/taskgate/internal/dispatch"
	"github.com/fyrsmithlabs/taskgate/internal/gate"
	"github.com/fyrsmithlabs/taskgate/internal/gh"
	"github.com/fyrsmithlabs/taskgate/internal/logging"
	"github.com/fyrsmithlabs/taskgate/internal/reconcile"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/task"
	"github.com/fyrsmithlabs/taskgate/internal/telemetry"
	"github.com/fyrsmithlabs/taskgate/internal/tracker"
	"github.com/fyrsmithlabs/taskgate/internal/vcs"
)

var (
	// configPath is the YAML config file; empty means the default under
	// ~/.config/taskgate.
	configPath string
	// autoApprove skips the interactive confirmation on human gates.
	autoApprove bool
	// approver is the identity recorded on human confirmations.
	approver string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskgate",
	Short: "Gated task-lifecycle orchestration",
	Long: `taskgate walks a unit of work through ordered approval gates, from
requirements review to merge, keeping the local task store, the git
repository, and the issue tracker consistent at every step.

Every command is safe to re-run: gates already passed report the
current status instead of re-executing side effects.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/taskgate/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&autoApprove, "yes", false, "approve human gates without prompting")
	rootCmd.PersistentFlags().StringVar(&approver, "approver", "", "identity recorded on human confirmations (default $USER)")

	rootCmd.AddCommand(createTaskCmd)
	rootCmd.AddCommand(reviewPlanCmd)
	rootCmd.AddCommand(startImplementationCmd)
	rootCmd.AddCommand(continueImplementationCmd)
	rootCmd.AddCommand(prepareHandoverCmd)
	rootCmd.AddCommand(startReviewCmd)
	rootCmd.AddCommand(updateDocumentationCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reconcileCmd)
}

// runtime holds the wired services for one command invocation.
type runtime struct {
	cfg        *config.Config
	logger     *logging.Logger
	store      *store.Store
	controller *gate.Controller
	reconciler *reconcile.Reconciler
	telemetry  *telemetry.Telemetry
}

// newRuntime wires config, logging, the store, the external adapters,
// the dispatcher roster, and the gate controller.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	tel, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, err
	}

	if err := config.EnsureConfigDir(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	var syncer gate.Syncer
	var reconciler *reconcile.Reconciler
	var issueEnsurer dispatch.IssueEnsurer

	if cfg.GitHub.Token.IsSet() {
		client, err := gh.NewClient(ctx, cfg.GitHub.Token, cfg.GitHub.BaseURL)
		if err != nil {
			st.Close()
			return nil, err
		}
		local, err := vcs.OpenLocal(cfg.GitHub.LocalRepoPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		vcsAdapter, err := vcs.New(client, cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.BaseBranch, local, cfg.GitHub.RequestsPerSecond, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		trackerAdapter, err := tracker.New(client, cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.RequestsPerSecond, logger)
		if err != nil {
			st.Close()
			return nil, err
		}

		syncLog := reconcile.NewSyncLog(st, vcsAdapter, trackerAdapter, cfg.Pipeline.SyncTimeout.Duration(), logger)
		syncer = syncLog
		issueEnsurer = syncLog
		reconciler, err = reconcile.NewReconciler(st, syncLog, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	} else {
		logger.Warn(ctx, "github.token not set, external sync disabled")
	}

	dispatcher := dispatch.New(st, issueEnsurer, cfg.Pipeline.DispatchTimeout.Duration(), logger)
	for name, commandLine := range cfg.Agents {
		w, err := dispatch.NewExecWorker(task.AgentName(name), commandLine, cfg.GitHub.LocalRepoPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		dispatcher.Register(w)
	}

	controller, err := gate.NewController(
		&gate.Config{MaxRevisions: cfg.Pipeline.MaxRevisions},
		st, dispatcher, syncer, logger,
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		controller: controller,
		reconciler: reconciler,
		telemetry:  tel,
	}, nil
}

// close flushes telemetry and logs, then releases the store.
func (rt *runtime) close() {
	if err := rt.telemetry.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: telemetry shutdown: %v\n", err)
	}
	if err := rt.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close store: %v\n", err)
	}
	_ = rt.logger.Sync()
}

// approverIdentity resolves the identity recorded for human
// confirmations: the --approver flag, falling back to $USER.
func approverIdentity() string {
	if approver != "" {
		return approver
	}
	return os.Getenv("USER")
}
