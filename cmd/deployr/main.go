package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/logger"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}
	buildsFlags := &BuildsFlags{}
	buildFlags := &BuildFlags{}
	deployFlags := &DeployFlags{}
	checkFlags := &CheckFlags{}
	templateFlags := &TemplateCreateFlags{}

	deployrCommand := command{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(deployrCommand, statusFlags),
		createBuildsCommand(deployrCommand, buildsFlags),
		createBuildCommand(deployrCommand, buildFlags),
		createDeployCommand(deployrCommand, deployFlags),
		createCheckCommand(deployrCommand, checkFlags),
		createTemplateCommand(deployrCommand, templateFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "deployr",
		Short: "Build and deploy automation daemon",
		Long: `Deployr watches a GitHub repository branch, rebuilds the project on
new commits, and keeps the resulting service process running.

Examples:
  deployr serve --config=deployr.toml   # Start daemon
  deployr status                        # Show service and build status
  deployr builds --limit=10             # Show recent builds
  deployr deploy                        # Redeploy last successful build
  deployr status --api-url=http://remote:8080  # Remote status`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [deployr.toml]",
		Short: "Start the deployr daemon",
		Long: `Start the deployr daemon: poll the configured repository, build new
commits, supervise the service, and expose the HTTP API.

Examples:
  deployr serve --config=deployr.toml
  deployr serve deployr.toml            # Config as positional argument
  deployr serve deployr.toml --daemonize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=deployr.toml or provide as argument")
	}

	cfg, err := deployr.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		logfile := flags.LogFile
		if logfile == "" {
			logfile = cfg.Server.LogFile
		}
		return daemonize(cfg.Server.PIDFile, logfile)
	}

	slog.SetDefault(logger.NewSlogger(os.Stdout, cfg.Log.Level, cfg.Log.Color))

	d, err := deployr.New(cfg)
	if err != nil {
		return fmt.Errorf("error building daemon: %w", err)
	}

	if cfg.Metrics.Enabled {
		if err := deployr.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		if err := d.RegisterSamplerDefault(); err != nil {
			fmt.Printf("Warning: failed to register service metrics: %v\n", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := deployr.ServeMetrics(cfg.Metrics.Listen); err != nil {
					fmt.Printf("Metrics server error: %v\n", err)
				}
			}()
		}
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	protocol := "HTTP"
	var server *http.Server
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		protocol = "HTTPS"
		server, err = deployr.NewTLSServer(cfg.Server, d)
	} else {
		server, err = deployr.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, d)
	}
	if err != nil {
		d.Stop()
		return fmt.Errorf("failed to create %s server: %w", protocol, err)
	}

	fmt.Printf("Starting deployr %s server on %s%s\n", protocol, cfg.Server.Listen, cfg.Server.BasePath)
	fmt.Printf("Watching %s/%s branch %s every %v\n", cfg.Repo.Owner, cfg.Repo.Name, cfg.Repo.Branch, cfg.Repo.CheckInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	d.Stop()
	return server.Close()
}

// createStatusCommand creates the status subcommand
func createStatusCommand(deployrCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service and build status",
		Long: `Show the supervised service, the current commit, and the last build
as reported by the running daemon.

Examples:
  deployr status
  deployr status --api-url=http://remote:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Status(*statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createBuildsCommand creates the builds subcommand
func createBuildsCommand(deployrCommand command, buildsFlags *BuildsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "Show build history",
		Long: `Show recorded builds, newest first.

Examples:
  deployr builds
  deployr builds --limit=5 --offset=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Builds(*buildsFlags)
		},
	}
	cmd.Flags().IntVar(&buildsFlags.Limit, "limit", 20, "maximum records per page")
	cmd.Flags().IntVar(&buildsFlags.Offset, "offset", 0, "records to skip from the newest")
	cmd.Flags().StringVar(&buildsFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&buildsFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createBuildCommand creates the build subcommand
func createBuildCommand(deployrCommand command, buildFlags *BuildFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Show one build record",
		Long: `Show a single build record by id.

Examples:
  deployr build --id=3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Build(*buildFlags)
		},
	}
	cmd.Flags().Int64Var(&buildFlags.ID, "id", 0, "build id (required)")
	cmd.Flags().StringVar(&buildFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&buildFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createDeployCommand creates the deploy subcommand
func createDeployCommand(deployrCommand command, deployFlags *DeployFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Redeploy the last successful build",
		Long: `Ask the daemon to restart the service from the last successful
artifact. Rejected while a build is running or when no successful
build exists.

Examples:
  deployr deploy
  deployr deploy --api-url=http://remote:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Deploy(*deployFlags)
		},
	}
	cmd.Flags().StringVar(&deployFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&deployFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createCheckCommand creates the check subcommand
func createCheckCommand(deployrCommand command, checkFlags *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Poll the repository now",
		Long: `Ask the daemon to check the watched branch immediately instead of
waiting for the next scheduled poll.

Examples:
  deployr check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.Check(*checkFlags)
		},
	}
	cmd.Flags().StringVar(&checkFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&checkFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createTemplateCommand creates the template command
func createTemplateCommand(deployrCommand command, templateFlags *TemplateCreateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Create a starter config file",
		Long: `Create a starter deployr.toml for common project types. Edit the
generated file and start the daemon with serve.

Supported template types:
  go        - Go project built with go build
  node      - Node.js project built with npm
  rust      - Rust project built with cargo
  make      - Project built through a Makefile
  simple    - Minimal scaffold with a build script

Examples:
  deployr template --type=go --name=myservice
  deployr template --type=node --output=./configs/web.toml
  deployr template --type=simple --name=hello --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return deployrCommand.TemplateCreate(TemplateCreateFlags{
				Name:   templateFlags.Name,
				Type:   templateFlags.Type,
				Force:  templateFlags.Force,
				Output: templateFlags.Output,
			})
		},
	}

	cmd.Flags().StringVar(&templateFlags.Type, "type", "", "template type (required): go, node, rust, make, simple")
	cmd.Flags().StringVar(&templateFlags.Name, "name", "", "repository and service name (defaults to type-app)")
	cmd.Flags().StringVar(&templateFlags.Output, "output", "", "output file path (defaults to deployr.toml)")
	cmd.Flags().BoolVar(&templateFlags.Force, "force", false, "overwrite existing config file")

	if err := cmd.MarkFlagRequired("type"); err != nil {
		panic(err)
	}

	return cmd
}
