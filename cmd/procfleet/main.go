package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := buildRoot(newCommand(os.Stdout))
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every sub-command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// HostFlags selects the host a single-host command runs against.
type HostFlags struct {
	Host string
}

type DeployFlags struct {
	Host       string
	Descriptor string
}

type UptestFlags struct {
	Host          string
	Proc          string
	User          string
	IgnoreMissing bool
}

type DeleteProcFlags struct {
	Host string
	Proc string
}

type DeleteBuildFlags struct {
	Host    string
	Build   string
	Cascade bool
}

// JobFlags drive build-app and build-image; Host defaults to [build].host.
type JobFlags struct {
	Host string
	Job  string
}

type GCFlags struct {
	Hosts []string
}

type ImportFlags struct {
	File string
}

type ServeFlags struct {
	Listen   string
	BasePath string
}

func buildRoot(c *command) *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(c, global)

	root.AddCommand(
		createDeployCommand(c),
		createUptestCommand(c),
		createDeleteProcCommand(c),
		createDeleteBuildCommand(c),
		createHostCommand("clean-builds", "Remove builds no installed proc uses", c.CleanBuilds),
		createHostCommand("clean-images", "Remove unused images past the retention window", c.CleanImages),
		createHostCommand("teardown-old", "Remove procs supervisord no longer knows", c.TeardownOld),
		createHostCommand("kill-orphans", "Kill container processes reparented to init", c.KillOrphans),
		createHostCommand("procs", "List installed procs", c.Procs),
		createHostCommand("builds", "List builds on disk", c.Builds),
		createHostCommand("images", "List OS images on disk", c.Images),
		createJobCommand("build-app", "Run vbuild on the build host and fetch the artifact", c.BuildApp),
		createJobCommand("build-image", "Run vimage on the build host and fetch the image", c.BuildImage),
		createGCCommand(c),
		createMetadataCommand(c),
		createServeCommand(c),
	)
	return root
}

func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procfleet",
		Short: "Deploy and maintain procs on supervisord hosts",
		Long: `procfleet installs procs on remote hosts, registers them with supervisord,
runs their uptests and reclaims disk space from builds and images nobody uses.

Examples:
  procfleet deploy --host=app1 --descriptor=./proc.yaml
  procfleet uptest --host=app1 --proc=web-v3-trusty-web
  procfleet delete-build --host=app1 --build=web-v2 --cascade
  procfleet gc --hosts=app1,app2
  procfleet serve --config=procfleet.toml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(*flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.teardown()
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override [log].level (debug|info|warn|error)")
	return root
}

func mustRequire(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		if err := cmd.MarkFlagRequired(n); err != nil {
			panic(err)
		}
	}
}

func createDeployCommand(c *command) *cobra.Command {
	flags := &DeployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Install a proc from a local proc.yaml and start it under supervisord",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Deploy(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "target host (required)")
	cmd.Flags().StringVar(&flags.Descriptor, "descriptor", "", "local proc.yaml (required)")
	mustRequire(cmd, "host", "descriptor")
	return cmd
}

func createUptestCommand(c *command) *cobra.Command {
	flags := &UptestFlags{}
	cmd := &cobra.Command{
		Use:   "uptest",
		Short: "Run a proc's uptests and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Uptest(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "target host (required)")
	cmd.Flags().StringVar(&flags.Proc, "proc", "", "proc name (required)")
	cmd.Flags().StringVar(&flags.User, "user", "", "user for legacy uptests (default nobody)")
	cmd.Flags().BoolVar(&flags.IgnoreMissing, "ignore-missing", false, "succeed with no results when the proc is unknown")
	mustRequire(cmd, "host", "proc")
	return cmd
}

func createDeleteProcCommand(c *command) *cobra.Command {
	flags := &DeleteProcFlags{}
	cmd := &cobra.Command{
		Use:   "delete-proc",
		Short: "Stop a proc and remove it from supervisord and disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.DeleteProc(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "target host (required)")
	cmd.Flags().StringVar(&flags.Proc, "proc", "", "proc name (required)")
	mustRequire(cmd, "host", "proc")
	return cmd
}

func createDeleteBuildCommand(c *command) *cobra.Command {
	flags := &DeleteBuildFlags{}
	cmd := &cobra.Command{
		Use:   "delete-build",
		Short: "Remove a build directory",
		Long: `Remove a build directory. A build still used by installed procs is refused
unless --cascade is given, in which case those procs are deleted first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.DeleteBuild(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "target host (required)")
	cmd.Flags().StringVar(&flags.Build, "build", "", "build identity, e.g. web-v3 (required)")
	cmd.Flags().BoolVar(&flags.Cascade, "cascade", false, "delete procs using the build first")
	mustRequire(cmd, "host", "build")
	return cmd
}

func createHostCommand(use, short string, run func(context.Context, HostFlags) error) *cobra.Command {
	flags := &HostFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "target host (required)")
	mustRequire(cmd, "host")
	return cmd
}

func createJobCommand(use, short string, run func(context.Context, JobFlags) error) *cobra.Command {
	flags := &JobFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "build host (default [build].host)")
	cmd.Flags().StringVar(&flags.Job, "job", "", "local job descriptor (required)")
	mustRequire(cmd, "job")
	return cmd
}

func createGCCommand(c *command) *cobra.Command {
	flags := &GCFlags{}
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Tear down old procs, kill orphans and clean builds and images on many hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.GC(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Hosts, "hosts", nil, "hosts to collect (default [fleet].hosts)")
	return cmd
}

func createMetadataCommand(c *command) *cobra.Command {
	meta := &cobra.Command{
		Use:   "metadata",
		Short: "Manage the local mirror of app, build and image metadata",
	}
	flags := &ImportFlags{}
	imp := &cobra.Command{
		Use:   "import",
		Short: "Load a YAML export into the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.MetadataImport(cmd.Context(), *flags)
		},
	}
	imp.Flags().StringVar(&flags.File, "file", "", "YAML export (required)")
	mustRequire(imp, "file")
	meta.AddCommand(imp)
	return meta
}

func createServeCommand(c *command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operations HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default [server].listen)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "API base path (default [server].base_path)")
	return cmd
}
