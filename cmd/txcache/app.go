package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gofhir/txcache"
	"github.com/gofhir/txcache/config"
	"github.com/gofhir/txcache/pkg/logger"
)

// OutputFormat specifies how query commands print their answer.
type OutputFormat string

// Output format constants.
const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	envFiles   []string
	txURL      string
	loadPaths  []string
	packages   []string
	logLevel   string
	output     string
}

// App is the txcache command line.
type App struct {
	root   *cobra.Command
	opts   *globalOptions
	stdout io.Writer
	stderr io.Writer
}

// NewApp creates the command tree.
func NewApp() *App {
	app := &App{
		opts:   &globalOptions{},
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	app.root = &cobra.Command{
		Use:   "txcache",
		Short: "Caching FHIR terminology layer",
		Long: `txcache answers FHIR terminology questions ($validate-code, $lookup,
$expand, $translate) from local resources and a remote terminology server,
caching every answer for a bounded time.

Examples:
  txcache serve --tx https://tx.fhir.org/r4
  txcache validate --system http://hl7.org/fhir/administrative-gender --code male
  txcache lookup --system http://loinc.org --code 8867-4 --tx https://tx.fhir.org/r4
  txcache expand --valueset http://hl7.org/fhir/ValueSet/administrative-gender --output json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := app.root.PersistentFlags()
	f.StringVarP(&app.opts.configPath, "config", "c", "", "Path to a config.yaml")
	f.StringSliceVar(&app.opts.envFiles, "env-file", nil, "Env file(s) to load (default .env)")
	f.StringVar(&app.opts.txURL, "tx", "", "Remote terminology server URL, overrides the config ('n/a' disables it)")
	f.StringSliceVar(&app.opts.loadPaths, "load", nil, "Files or directories of FHIR JSON resources to load (comma-separated)")
	f.StringSliceVar(&app.opts.packages, "package", nil, "FHIR packages to load: name#version, .tgz path or URL (comma-separated)")
	f.StringVar(&app.opts.logLevel, "log-level", "", "Log level, overrides the config")
	f.StringVarP(&app.opts.output, "output", "o", string(OutputText), "Output format: text, json")

	app.root.AddCommand(
		app.newVersionCmd(),
		app.newServeCmd(),
		app.newValidateCmd(),
		app.newLookupCmd(),
		app.newExpandCmd(),
	)
	return app
}

// WithOutput sets custom output writers.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// Execute runs the command line until done or interrupted.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the command line with specific arguments.
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "txcache %s (FHIR %s)\n", txcache.Version, txcache.R4.Release())
		},
	}
}

// loadConfig reads the configuration, applies command line overrides and
// configures the default logger.
func (a *App) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.opts.configPath, a.opts.envFiles...)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.EqualFold(a.opts.txURL, "n/a"):
		cfg.Terminology.URL = ""
	case a.opts.txURL != "":
		cfg.Terminology.URL = a.opts.txURL
	}
	cfg.Terminology.LoadPaths = append(cfg.Terminology.LoadPaths, a.opts.loadPaths...)
	cfg.Terminology.Packages = append(cfg.Terminology.Packages, a.opts.packages...)
	if a.opts.logLevel != "" {
		cfg.Log.Level = a.opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Format == "json" {
		logger.SetDefault(logger.NewJSON(a.stderr, level))
	} else {
		logger.SetDefault(logger.New(a.stderr, level))
	}
	return cfg, nil
}

// newService loads the configuration and assembles the provider stack.
func (a *App) newService() (*txcache.Service, *config.Config, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svc, err := txcache.New(txcache.FromConfig(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize terminology service: %w", err)
	}
	return svc, cfg, nil
}

func (a *App) outputFormat() (OutputFormat, error) {
	switch strings.ToLower(a.opts.output) {
	case "", string(OutputText):
		return OutputText, nil
	case string(OutputJSON):
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q", a.opts.output)
	}
}
