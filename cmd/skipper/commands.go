package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skipper-release/skipper/internal/application"
	"github.com/skipper-release/skipper/internal/config"
	"github.com/skipper-release/skipper/internal/domain"
)

var installFlags struct {
	pkg, version, platform string
	config                 map[string]string
}

var upgradeFlags struct {
	pkg, version string
	config       map[string]string
}

var (
	rollbackVersion int
	statusVersion   int
)

// withApp loads configuration, wires the services and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logOutput)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// follow waits for the operation on name to finish and prints the
// resulting release. An interrupt while waiting asks an upgrade to roll
// back; a second one stops waiting.
func follow(ctx context.Context, out io.Writer, a *app, rel domain.Release) error {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sig:
			if err := a.service.Cancel(rel.Name); err == nil {
				fmt.Fprintf(out, "cancel requested for %s\n", rel.Name)
			}
		case <-waitCtx.Done():
			return
		}
		select {
		case <-sig:
			if a.cfg.Workflow.Engine == config.EngineSync {
				fmt.Fprintf(out, "stopped waiting; an unfinished %s is cleaned up after %s\n", rel.Name, a.cfg.Reconcile.StrandedAfter)
			}
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := a.service.Wait(waitCtx, rel.Name); err != nil {
		return fmt.Errorf("waiting for %s: %w", rel.Name, err)
	}
	final, err := a.service.Status(ctx, rel.Name, rel.Version)
	if err != nil {
		return err
	}
	printRelease(out, final)
	if final.Status.Code == domain.StatusFailed {
		return fmt.Errorf("release %s v%d failed: %s", final.Name, final.Version, final.Status.Message)
	}
	return nil
}

var installCmd = &cobra.Command{
	Use:   "install NAME",
	Short: "Install a package as a new release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rel, err := a.service.Install(ctx, application.InstallInput{
				Name:     args[0],
				Platform: installFlags.platform,
				Package:  domain.PackageRef{Name: installFlags.pkg, Version: installFlags.version},
				Config:   installFlags.config,
			})
			if err != nil {
				return err
			}
			return follow(ctx, cmd.OutOrStdout(), a, rel)
		})
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade NAME",
	Short: "Upgrade a deployed release to another package version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rel, err := a.service.Upgrade(ctx, application.UpgradeInput{
				Name:    args[0],
				Package: domain.PackageRef{Name: upgradeFlags.pkg, Version: upgradeFlags.version},
				Config:  upgradeFlags.config,
			})
			if err != nil {
				return err
			}
			return follow(ctx, cmd.OutOrStdout(), a, rel)
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback NAME",
	Short: "Redeploy an earlier version of a release as a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rel, err := a.service.Rollback(ctx, args[0], rollbackVersion)
			if err != nil {
				return err
			}
			return follow(ctx, cmd.OutOrStdout(), a, rel)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Undeploy the deployed version of a release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rel, err := a.service.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			return follow(ctx, cmd.OutOrStdout(), a, rel)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status NAME",
	Short: "Show the status of a release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rel, err := a.service.Status(ctx, args[0], statusVersion)
			if err != nil {
				return err
			}
			printRelease(cmd.OutOrStdout(), rel)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history NAME",
	Short: "List every version of a release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rels, err := a.service.History(ctx, args[0])
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), rels)
			return nil
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Reconcile release status periodically and expose metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				err := a.reconciler.Run(gctx, a.cfg.Reconcile.Interval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			if addr := a.cfg.Metrics.Address; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					a.logger.Info("metrics listening", "address", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			return g.Wait()
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the default configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := io.WriteString(cmd.OutOrStdout(), config.DefaultYAML())
		return err
	},
}

func printRelease(out io.Writer, rel domain.Release) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME:\t%s\n", rel.Name)
	fmt.Fprintf(tw, "VERSION:\t%d\n", rel.Version)
	fmt.Fprintf(tw, "PLATFORM:\t%s\n", rel.Platform)
	fmt.Fprintf(tw, "PACKAGE:\t%s\n", rel.Package)
	fmt.Fprintf(tw, "STATUS:\t%s\n", rel.Status.Code)
	fmt.Fprintf(tw, "MESSAGE:\t%s\n", rel.Status.Message)
	fmt.Fprintf(tw, "UPDATED:\t%s\n", rel.UpdatedAt.Format(time.RFC3339))
	_ = tw.Flush()

	if len(rel.Status.Applications) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APPLICATION\tDEPLOYMENT\tSTATE\tINSTANCES")
	for _, app := range rel.Status.Applications {
		ids := make([]string, 0, len(app.Instances))
		for _, inst := range app.Instances {
			ids = append(ids, fmt.Sprintf("%s=%s", inst.ID, inst.State))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", app.Name, app.DeploymentID, app.State, strings.Join(ids, ","))
	}
	_ = tw.Flush()
}

func printHistory(out io.Writer, rels []domain.Release) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tUPDATED\tSTATUS\tPACKAGE\tPLATFORM\tMESSAGE")
	for _, rel := range rels {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", rel.Version, rel.UpdatedAt.Format(time.RFC3339),
			rel.Status.Code, rel.Package, rel.Platform, rel.Status.Message)
	}
	_ = tw.Flush()
}

// exitCode maps error kinds to process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return 2
	case errors.Is(err, domain.ErrNotFound):
		return 3
	case errors.Is(err, domain.ErrConflict):
		return 4
	default:
		return 1
	}
}
