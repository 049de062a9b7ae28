package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/quantchat/internal/config"
	"github.com/ashureev/quantchat/internal/sandbox"
	sbtemplate "github.com/ashureev/quantchat/internal/sandbox/template"
	"github.com/ashureev/quantchat/internal/store"
)

// backend is the part of the sandbox provider the commands use.
type backend interface {
	sandbox.Killer
	ListContainers(ctx context.Context) ([]sandbox.ManagedContainer, error)
	BuildImage(ctx context.Context, opts sbtemplate.BuildOptions, out io.Writer) error
	Close() error
}

type openFunc func(repo store.Repository, cfg *config.Config) (backend, error)

func openDocker(repo store.Repository, cfg *config.Config) (backend, error) {
	p, err := sandbox.NewDockerProvider(repo, sandbox.DockerConfig{
		Runtime: cfg.Sandbox.Runtime,
		Network: cfg.Sandbox.Network,
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// deps is opened once per invocation by the root PersistentPreRunE.
type deps struct {
	cfg     *config.Config
	repo    store.Repository
	backend backend
}

func (d *deps) close() {
	if d.backend != nil {
		_ = d.backend.Close()
	}
	if d.repo != nil {
		_ = d.repo.Close()
	}
}

func newRootCommand(open openFunc) *cobra.Command {
	d := &deps{}
	var dbPath string

	cmd := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Inspect and clean up code execution sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			d.cfg = cfg

			d.repo, err = store.NewSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			d.backend, err = open(d.repo, cfg)
			if err != nil {
				return fmt.Errorf("connect to sandbox backend: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			d.close()
		},
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "sandbox registry database (default: DB_PATH)")

	cmd.AddCommand(
		newListCommand(d),
		newKillCommand(d),
		newReapCommand(d),
		newBuildImageCommand(d),
	)
	return cmd
}

func newListCommand(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered sandboxes and their containers",
		Example: `sandboxctl list`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listSandboxes(cmd.Context(), cmd.OutOrStdout(), d, time.Now())
		},
	}
}

func listSandboxes(ctx context.Context, out io.Writer, d *deps, now time.Time) error {
	registered, err := d.repo.ListSandboxes(ctx)
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}
	containers, err := d.backend.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	byID := make(map[string]sandbox.ManagedContainer, len(containers))
	for _, c := range containers {
		byID[c.SandboxID] = c
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SANDBOX\tSTATE\tCONTAINER\tIDLE\tTTL")
	for _, sb := range registered {
		containerState := "missing"
		if c, ok := byID[sb.SandboxID]; ok {
			containerState = c.State
			delete(byID, sb.SandboxID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			sb.SandboxID, sb.State, containerState,
			now.Sub(sb.LastActiveAt).Round(time.Second), sb.TTL(now).Round(time.Second))
	}
	for _, c := range containers {
		if _, orphan := byID[c.SandboxID]; orphan {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.SandboxID, "unregistered", c.State, "-", "-")
		}
	}
	return tw.Flush()
}

func newKillCommand(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:     "kill <sandbox-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a sandbox container and its registry entry",
		Example: `sandboxctl kill 3f2a9c1e`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := d.backend.KillSandbox(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("kill sandbox %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Killed sandbox %s\n", args[0])
			return nil
		},
	}
}

func newReapCommand(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:     "reap",
		Short:   "Kill sandboxes past their idle timeout or paused retention",
		Example: `sandboxctl reap`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := sandbox.Reap(cmd.Context(), d.repo, d.backend, time.Now(), d.cfg.Sandbox.PausedRetention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d sandbox(es)\n", n)
			return nil
		},
	}
}

func newBuildImageCommand(d *deps) *cobra.Command {
	var opts sbtemplate.BuildOptions
	cmd := &cobra.Command{
		Use:   "build-image",
		Short: "Build the sandbox template image",
		Long: "Build the sandbox template image: a pinned Python runtime with backtrader, yfinance\n" +
			"and the helper modules sandbox code imports. The tag defaults to SANDBOX_TEMPLATE_ALIAS.",
		Example: `sandboxctl build-image
sandboxctl build-image --tag quantchat-sandbox:dev --pull`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Tag == "" {
				opts.Tag = d.cfg.Sandbox.Template
			}
			if err := d.backend.BuildImage(cmd.Context(), opts, cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Built %s\n", opts.Tag)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "image tag (default: SANDBOX_TEMPLATE_ALIAS)")
	cmd.Flags().BoolVar(&opts.Pull, "pull", false, "pull a newer base image")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "do not use the build cache")
	return cmd
}
