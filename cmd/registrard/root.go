package main

import (
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "registrard",
		Short: "Property registration pipeline daemon",
		Long: "registrard runs the asynchronous blockchain-registration pipeline: " +
			"the publish API, the worker pool consuming registration jobs, and the " +
			"operator dashboard.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")

	cmd.AddCommand(newServeCommand(&cfgFile))
	cmd.AddCommand(newMigrateCommand(&cfgFile))
	return cmd
}

func newLogger(levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var opt level.Option
	switch levelName {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(logger, opt)
}
