// Command reposync is the CLI entry point: init, sync, start, abandon,
// checkout, rebase and status subcommands driving internal/syncengine and
// internal/project against a YAML manifest.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/utilitywarehouse/reposync/internal/eventlog"
	"github.com/utilitywarehouse/reposync/internal/fetchtime"
	"github.com/utilitywarehouse/reposync/internal/gitdriver"
	"github.com/utilitywarehouse/reposync/internal/manifest"
	"github.com/utilitywarehouse/reposync/internal/metrics"
	"github.com/utilitywarehouse/reposync/internal/project"
	"github.com/utilitywarehouse/reposync/internal/reposyncerr"
	"github.com/utilitywarehouse/reposync/internal/sshmux"
	"github.com/utilitywarehouse/reposync/internal/syncengine"
)

const (
	repoDirName      = ".repo"
	manifestFile     = "manifest.yaml"
	fetchTimesFile   = ".repo_fetchtimes.json"
	traceFile        = "TRACE_FILE"
	metricsNS        = "reposync"
	mirrorMarkerFile = "MIRROR"
)

// workspaceIsMirror reports whether init was run with --mirror, read back
// from the marker file it leaves in .repo so later commands (sync, status,
// ...) build every project as a bare gitdir with no worktree.
func workspaceIsMirror(workspace string) bool {
	_, err := os.Stat(filepath.Join(repoDir(workspace), mirrorMarkerFile))
	return err == nil
}

func newLogger(level string) *slog.Logger {
	lv := new(slog.LevelVar)
	switch strings.ToLower(level) {
	case "trace":
		lv.Set(slog.LevelDebug - 4)
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lv, TimeFormat: time.Kitchen}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func main() {
	var log *slog.Logger

	app := &cli.Command{
		Name:  "reposync",
		Usage: "multi-repository workspace orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workspace", Aliases: []string{"C"}, Value: ".", Usage: "workspace top directory", Sources: cli.EnvVars("REPOSYNC_WORKSPACE")},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace|debug|info|warn|error", Sources: cli.EnvVars("REPOSYNC_LOG_LEVEL")},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log = newLogger(cmd.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			initCommand(&log),
			syncCommand(&log),
			startCommand(&log),
			abandonCommand(&log),
			checkoutCommand(&log),
			rebaseCommand(&log),
			statusCommand(&log),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Error("exiting", "err", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var exitErr *reposyncerr.RepoExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode
	}
	return 1
}

func asExitError(err error, target **reposyncerr.RepoExitError) bool {
	for err != nil {
		if e, ok := err.(*reposyncerr.RepoExitError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// aggregateErr wraps reposyncerr.NewAggregateError, returning a true nil
// error (not a non-nil interface over a nil *RepoExitError) when errs is
// empty, so callers can return it unconditionally.
func aggregateErr(op string, errs []error) error {
	if agg := reposyncerr.NewAggregateError(op, errs); agg != nil {
		return agg
	}
	return nil
}

func repoDir(workspace string) string { return filepath.Join(workspace, repoDirName) }

func loadManifest(workspace string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(repoDir(workspace), manifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return manifest.Load(data)
}

// newDriver builds the git driver every subcommand shares: an SSH
// multiplexer for control-master reuse, and the logger the command chose.
func newDriver(log *slog.Logger) *gitdriver.Driver {
	return gitdriver.New(log, sshmux.New())
}

func buildEngine(cmdName, workspace string, log *slog.Logger, jobs, jobsNetwork, jobsCheckout int) (*syncengine.Engine, *manifest.Manifest, *eventlog.Logger, error) {
	m, err := loadManifest(workspace)
	if err != nil {
		return nil, nil, nil, err
	}

	oracle, err := fetchtime.Load(filepath.Join(workspace, fetchTimesFile))
	if err != nil {
		return nil, nil, nil, err
	}

	elog, err := eventlog.Open(filepath.Join(repoDir(workspace), traceFile), eventlog.NewSID(time.Now()), 10, 3, 30)
	if err != nil {
		return nil, nil, nil, err
	}
	_ = elog.Start(os.Args)
	_ = elog.Command(cmdName)

	cfg := syncengine.Config{
		WorkspaceRoot: workspace,
		Driver:        newDriver(log),
		Oracle:        oracle,
		EventLog:      elog,
		Log:           log,
		Jobs:          jobs,
		JobsNetwork:   jobsNetwork,
		JobsCheckout:  jobsCheckout,
		Mirror:        workspaceIsMirror(workspace),
	}

	e, err := syncengine.New(cfg, m)
	if err != nil {
		return nil, nil, nil, err
	}
	return e, m, elog, nil
}

// finishCommand records the subcommand's outcome in the event log and
// closes it, returning the original err unchanged so callers can tail-call
// this from their Action.
func finishCommand(elog *eventlog.Logger, err error) error {
	code := 0
	if err != nil {
		code = exitCode(err)
	}
	_ = elog.Exit(code)
	_ = elog.Close()
	return err
}

// selectProjects resolves the `{--all | <project>...}` pattern common to
// start/abandon/checkout/rebase against an already-built engine.
func selectProjects(e *syncengine.Engine, names []string, all bool) ([]*project.Project, error) {
	if all || len(names) == 0 {
		return e.Projects(), nil
	}
	out := make([]*project.Project, 0, len(names))
	for _, name := range names {
		p := e.Project(name)
		if p == nil {
			return nil, reposyncerr.NewNoSuchProjectError(name)
		}
		out = append(out, p)
	}
	return out, nil
}

func initCommand(logp **slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "initialize a workspace from a manifest",
		ArgsUsage: "",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "manifest-url", Usage: "path to the resolved YAML manifest to seed .repo/manifest.yaml from (local file; fetching a remote manifest-project is a launcher-level concern, out of scope here)", Required: true},
			&cli.StringFlag{Name: "manifest-branch", Aliases: []string{"b"}, Usage: "recorded for parity with git-repo's init; this module doesn't track a manifest-project checkout"},
			&cli.StringFlag{Name: "manifest-name", Aliases: []string{"m"}, Usage: "recorded for parity; unused without manifest-project tracking"},
			&cli.StringSliceFlag{Name: "groups", Aliases: []string{"g"}},
			&cli.BoolFlag{Name: "mirror"},
			&cli.BoolFlag{Name: "archive"},
			&cli.BoolFlag{Name: "worktree"},
			&cli.StringFlag{Name: "reference"},
			&cli.BoolFlag{Name: "dissociate"},
			&cli.IntFlag{Name: "depth"},
			&cli.BoolFlag{Name: "partial-clone"},
			&cli.StringFlag{Name: "clone-filter"},
			&cli.BoolFlag{Name: "clone-bundle", Value: true},
			&cli.BoolFlag{Name: "standalone-manifest"},
			&cli.BoolFlag{Name: "submodules"},
			&cli.BoolFlag{Name: "use-superproject"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := *logp
			workspace := cmd.String("workspace")

			data, err := os.ReadFile(cmd.String("manifest-url"))
			if err != nil {
				return fmt.Errorf("reading manifest source: %w", err)
			}
			if _, err := manifest.Load(data); err != nil {
				return err
			}

			if err := os.MkdirAll(repoDir(workspace), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(repoDir(workspace), manifestFile), data, 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(repoDir(workspace), "project.list"), nil, 0o644); err != nil {
				return err
			}
			if cmd.Bool("mirror") {
				if err := os.WriteFile(filepath.Join(repoDir(workspace), mirrorMarkerFile), nil, 0o644); err != nil {
					return err
				}
			}

			log.Info("workspace initialized", "workspace", workspace, "manifest", cmd.String("manifest-url"), "mirror", cmd.Bool("mirror"))
			return nil
		},
	}
}

func syncCommand(logp **slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "fetch and check out every project",
		ArgsUsage: "[<project>...]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Value: 1},
			&cli.IntFlag{Name: "jobs-network"},
			&cli.IntFlag{Name: "jobs-checkout"},
			&cli.BoolFlag{Name: "current-branch-only", Aliases: []string{"c"}},
			&cli.BoolFlag{Name: "detach", Aliases: []string{"d"}},
			&cli.BoolFlag{Name: "fail-fast"},
			&cli.BoolFlag{Name: "force-sync"},
			&cli.BoolFlag{Name: "force-remove-dirty"},
			&cli.BoolFlag{Name: "optimized-fetch"},
			&cli.BoolFlag{Name: "prune"},
			&cli.BoolFlag{Name: "no-tags"},
			&cli.IntFlag{Name: "retry-fetches"},
			&cli.BoolFlag{Name: "no-clone-bundle"},
			&cli.StringFlag{Name: "metrics-bind", Usage: "if set, serve /metrics on this address for the duration of the sync"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := *logp
			workspace := cmd.String("workspace")

			jobs := cmd.Int("jobs")
			jobsNetwork := cmd.Int("jobs-network")
			jobsCheckout := cmd.Int("jobs-checkout")

			e, m, elog, err := buildEngine("sync", workspace, log, int(jobs), int(jobsNetwork), int(jobsCheckout))
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			metrics.Enable(metricsNS, registry)

			if addr := cmd.String("metrics-bind"); addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Warn("metrics server exited", "err", err)
					}
				}()
				defer server.Close()
			}

			opts := syncengine.SyncOptions{
				Projects: cmd.Args().Slice(),
				Network: project.NetworkOptions{
					Quiet:             true,
					CurrentBranchOnly: cmd.Bool("current-branch-only"),
					ForceSync:         cmd.Bool("force-sync"),
					UseCloneBundle:    !cmd.Bool("no-clone-bundle"),
					Tags:              !cmd.Bool("no-tags"),
					OptimizedFetch:    cmd.Bool("optimized-fetch"),
					RetryFetches:      int(cmd.Int("retry-fetches")),
					Prune:             cmd.Bool("prune"),
				},
				Local: project.LocalOptions{
					ForceSync:                cmd.Bool("force-sync"),
					ForceRemoveDirty:         cmd.Bool("force-remove-dirty"),
					DetachFromManifestBranch: cmd.Bool("detach"),
				},
				FailFast: cmd.Bool("fail-fast"),
				Output:   os.Stdout,
			}

			result, syncErr := e.Sync(ctx, opts)
			if notice := e.Notice(); notice != "" {
				fmt.Fprintln(os.Stdout, notice)
			}
			if result != nil {
				log.Info("sync finished",
					"projects", len(m.Projects),
					"fetch_failures", len(result.FetchFailures),
					"checkout_failures", len(result.CheckoutFailures),
					"clean", result.Clean)
			}
			return finishCommand(elog, syncErr)
		},
	}
}

func startCommand(logp **slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "create and check out a new branch across projects",
		ArgsUsage: "<branch> [<project>...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := *logp
			args := cmd.Args().Slice()
			if len(args) < 1 {
				return fmt.Errorf("start requires a branch name")
			}
			branch, names := args[0], args[1:]

			e, _, elog, err := buildEngine("start", cmd.String("workspace"), log, 1, 1, 1)
			if err != nil {
				return err
			}
			projects, err := selectProjects(e, names, cmd.Bool("all"))
			if err != nil {
				return finishCommand(elog, err)
			}

			var errs []error
			for _, p := range projects {
				if err := p.StartBranch(ctx, branch); err != nil {
					log.Warn("start failed", "project", p.Name(), "err", err)
					errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
					continue
				}
				log.Info("branch started", "project", p.Name(), "branch", branch)
			}
			return finishCommand(elog, aggregateErr("start", errs))
		},
	}
}

func abandonCommand(logp **slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "abandon",
		Usage:     "delete a local branch across projects",
		ArgsUsage: "<branch> [<project>...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := *logp
			args := cmd.Args().Slice()
			if len(args) < 1 {
				return fmt.Errorf("abandon requires a branch name")
			}
			branch, names := args[0], args[1:]

			e, _, elog, err := buildEngine("abandon", cmd.String("workspace"), log, 1, 1, 1)
			if err != nil {
				return err
			}
			projects, err := selectProjects(e, names, cmd.Bool("all"))
			if err != nil {
				return finishCommand(elog, err)
			}

			var errs []error
			for _, p := range projects {
				res, err := p.AbandonBranch(ctx, branch)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
					continue
				}
				switch res {
				case project.AbandonDeleted:
					log.Info("branch abandoned", "project", p.Name(), "branch", branch)
				case project.AbandonCheckedOut:
					log.Warn("branch is checked out, not abandoned", "project", p.Name(), "branch", branch)
				case project.AbandonNotFound:
					log.Debug("branch not found", "project", p.Name(), "branch", branch)
				}
			}
			return finishCommand(elog, aggregateErr("abandon", errs))
		},
	}
}

func checkoutCommand(logp **slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "checkout",
		Usage:     "check out an existing local branch across projects",
		ArgsUsage: "<branch> [<project>...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := *logp
			args := cmd.Args().Slice()
			if len(args) < 1 {
				return fmt.Errorf("checkout requires a branch name")
			}
			branch, names := args[0], args[1:]

			e, _, elog, err := buildEngine("checkout", cmd.String("workspace"), log, 1, 1, 1)
			if err != nil {
				return err
			}
			projects, err := selectProjects(e, names, false)
			if err != nil {
				return finishCommand(elog, err)
			}

			var errs []error
			for _, p := range projects {
				if err := p.CheckoutBranch(ctx, branch); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
					continue
				}
				log.Info("checked out", "project", p.Name(), "branch", branch)
			}
			return finishCommand(elog, aggregateErr("checkout", errs))
		},
	}
}

func rebaseCommand(logp **slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "rebase",
		Usage:     "rebase the current branch onto its upstream across projects",
		ArgsUsage: "[<project>...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "interactive", Aliases: []string{"i"}},
			&cli.BoolFlag{Name: "force-rebase", Aliases: []string{"f"}},
			&cli.BoolFlag{Name: "no-ff"},
			&cli.BoolFlag{Name: "autosquash"},
			&cli.StringFlag{Name: "whitespace"},
			&cli.BoolFlag{Name: "auto-stash"},
			&cli.BoolFlag{Name: "merge", Aliases: []string{"m"}},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := *logp
			names := cmd.Args().Slice()

			e, _, elog, err := buildEngine("rebase", cmd.String("workspace"), log, 1, 1, 1)
			if err != nil {
				return err
			}
			projects, err := selectProjects(e, names, false)
			if err != nil {
				return finishCommand(elog, err)
			}

			opts := project.RebaseOptions{
				Interactive: cmd.Bool("interactive"),
				Force:       cmd.Bool("force-rebase"),
				NoFF:        cmd.Bool("no-ff"),
				Autosquash:  cmd.Bool("autosquash"),
				Whitespace:  cmd.String("whitespace"),
				AutoStash:   cmd.Bool("auto-stash"),
				Merge:       cmd.Bool("merge"),
			}

			var errs []error
			for _, p := range projects {
				if err := p.Rebase(ctx, p.UpstreamRef(), opts); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
					continue
				}
				log.Info("rebased", "project", p.Name())
			}
			return finishCommand(elog, aggregateErr("rebase", errs))
		},
	}
}

func statusCommand(logp **slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "report branch, tracking and reviewable-commit state across projects",
		ArgsUsage: "[<project>...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all"},
			&cli.BoolFlag{Name: "reviewable", Usage: "also list local commits ready to send for review"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := *logp
			names := cmd.Args().Slice()

			e, _, elog, err := buildEngine("status", cmd.String("workspace"), log, 1, 1, 1)
			if err != nil {
				return err
			}
			projects, err := selectProjects(e, names, cmd.Bool("all"))
			if err != nil {
				return finishCommand(elog, err)
			}

			var errs []error
			for _, p := range projects {
				st, err := p.Status(ctx)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
					continue
				}

				switch {
				case st.Detached:
					fmt.Fprintf(os.Stdout, "%s\tdetached\n", p.Name())
				default:
					fmt.Fprintf(os.Stdout, "%s\t%s\t+%d/-%d", p.Name(), st.Branch, st.Ahead, st.Behind)
					if st.Dirty {
						fmt.Fprint(os.Stdout, "\tdirty")
					}
					if st.Published {
						fmt.Fprint(os.Stdout, "\tpublished")
					}
					fmt.Fprintln(os.Stdout)
				}

				if cmd.Bool("reviewable") {
					branches, err := p.ReviewableBranches(ctx)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
						continue
					}
					for _, rb := range branches {
						fmt.Fprintf(os.Stdout, "%s\treviewable\t%s\t+%d\n", p.Name(), rb.Name, rb.Ahead)
					}
				}
			}
			return finishCommand(elog, aggregateErr("status", errs))
		},
	}
}
