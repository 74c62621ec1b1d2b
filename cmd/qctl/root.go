package main

import (
	"io"
	"log/slog"

	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/logger"
	"github.com/masa23/quarantined/metrics"
	"github.com/masa23/quarantined/store"
	"github.com/spf13/cobra"
)

// app holds what the subcommands share. It is filled by the root command
// before any subcommand runs.
type app struct {
	confPath string
	conf     *config.Config
	log      *slog.Logger
	store    *store.Store
	metrics  *metrics.Metrics
	closers  []io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "qctl",
		Short:         "Maintenance tool for quarantined",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.confPath, "config", "c", "config.yaml", "Path to config file")

	root.AddCommand(
		newSweepCmd(a),
		newMapsCmd(a),
		newListsCmd(a),
		newRecipientsCmd(a),
	)
	return root
}

func (a *app) open() error {
	conf, err := config.Load(a.confPath)
	if err != nil {
		return err
	}
	log, closer, err := logger.New(conf.Log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closer)

	st, err := store.Open(conf.Database)
	if err != nil {
		a.close()
		return err
	}
	a.closers = append(a.closers, st)

	a.conf, a.log, a.store = conf, log, st
	a.metrics = metrics.NewUnregistered()
	return nil
}

func (a *app) close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
