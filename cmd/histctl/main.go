// histctl runs history scripts and inspects archived streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"modelhist/internal/config"
	"modelhist/internal/logging"
)

var (
	configPath string
	logLevel   string
	noColor    bool

	app = &App{}

	rootCmd = &cobra.Command{
		Use:           "histctl",
		Short:         "Run model history scripts and inspect archived streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			color.NoColor = noColor || !isatty.IsTerminal(os.Stdout.Fd())
			return app.init(configPath, logLevel)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./modelhist.toml or the data directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(runCmd, treeCmd, exportCmd, importCmd, inspectCmd, workersCmd, journalCmd, configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

// App carries the loaded configuration and logger through commands.
type App struct {
	cfg *config.Config
	log *logging.Logger
}

func (a *App) init(path, level string) error {
	if path == "" {
		path = config.FindConfigFile()
	}
	var err error
	if path == "" {
		a.cfg = config.DefaultConfig()
		a.cfg.ApplyEnvOverrides()
	} else if a.cfg, err = config.Load(path); err != nil {
		return err
	}
	if level != "" {
		a.cfg.Logging.Level = level
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	lc, err := a.cfg.Logging.LoggerConfig()
	if err != nil {
		return err
	}
	lc.Component = "histctl"
	if a.log, err = logging.New(lc); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(a.log)
	a.log.Debug("configuration loaded", "path", path, "storage", a.cfg.Storage.Backend)
	return nil
}

func (a *App) close() {
	if a.log != nil {
		a.log.Close()
	}
}
