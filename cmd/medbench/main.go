package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"medbench/internal/config"
	"medbench/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// app carries the state shared by every command of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	log     zerolog.Logger
}

func newApp() *app {
	return &app{v: config.New(), log: zerolog.Nop()}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "medbench",
		Short:         "Generate long-context conversation benchmarks from MIMIC-IV admissions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	a.bind(pf, map[string]string{"log-level": "log.level"})

	root.AddCommand(a.buildCohortCmd())
	root.AddCommand(a.generatePatientCmd())
	root.AddCommand(a.initDatasetCmd())
	root.AddCommand(a.importCSVCmd())
	return root
}

// bind ties flags to config keys.  A bound flag only wins when it is set on
// the command line.
func (a *app) bind(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := a.v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// override adjusts configuration from flags that do not map one to one onto
// a config key.
type override func(fs *pflag.FlagSet, v *viper.Viper) error

// setup applies overrides, loads and validates the configuration and builds
// the logger.
func (a *app) setup(cmd *cobra.Command, overrides ...override) error {
	for _, o := range overrides {
		if err := o(cmd.Flags(), a.v); err != nil {
			return err
		}
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.New(cfg.Log).With().Str("command", cmd.Name()).Logger()
	return nil
}
