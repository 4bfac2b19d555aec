package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/metalwire/metalwire/log"
	"github.com/metalwire/metalwire/rackd"
	"github.com/metalwire/metalwire/version"
)

func main() {
	if err := mainCmd.Execute(); err != nil {
		log.L.Fatal(err)
	}
}

var mainCmd = &cobra.Command{
	Use:          os.Args[0],
	Short:        "Run the metalwire rack agent",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logrus.SetOutput(os.Stderr)
		flag, err := cmd.Flags().GetString("log-level")
		if err != nil {
			log.L.Fatal(err)
		}
		level, err := logrus.ParseLevel(flag)
		if err != nil {
			log.L.Fatal(err)
		}
		logrus.SetLevel(level)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, err := cmd.Flags().GetString("listen-addr")
		if err != nil {
			return err
		}
		configPath, err := cmd.Flags().GetString("config-path")
		if err != nil {
			return err
		}

		var service rackd.Service
		if configPath != "" {
			service = &rackd.FileService{Path: configPath}
		}
		agent := rackd.New(service)
		server := &http.Server{
			Addr:    listenAddr,
			Handler: rackd.NewHandler(agent),
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			if err := server.Shutdown(context.Background()); err != nil {
				log.L.WithError(err).Error("shutdown failed")
			}
		}()

		log.L.WithFields(logrus.Fields{
			"addr":    listenAddr,
			"session": agent.SessionID(),
		}).Info("rack agent listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	mainCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (options \"debug\", \"info\", \"warn\", \"error\", \"fatal\", \"panic\")")
	mainCmd.Flags().String("listen-addr", "0.0.0.0:5248", "Address the agent HTTP API listens on")
	mainCmd.Flags().String("config-path", "", "Write applied configuration to this file, in-memory only when empty")

	mainCmd.AddCommand(
		version.Cmd,
	)
}
