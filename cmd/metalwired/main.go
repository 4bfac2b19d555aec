package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/docker/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/metalwire/metalwire/catalog"
	"github.com/metalwire/metalwire/coordinator"
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
	Short:        "Run the metalwire region controller",
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
		metricsAddr, err := cmd.Flags().GetString("metrics-addr")
		if err != nil {
			return err
		}
		heartbeatPeriod, err := cmd.Flags().GetDuration("heartbeat-period")
		if err != nil {
			return err
		}
		heartbeatTimeout, err := cmd.Flags().GetDuration("heartbeat-timeout")
		if err != nil {
			return err
		}
		failureThreshold, err := cmd.Flags().GetDuration("failure-threshold")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			cancel()
		}()

		cat := catalog.New()
		defer cat.Close()

		coord, err := coordinator.New(coordinator.Config{
			Catalog:          cat,
			Transport:        rackd.NewTransport(nil),
			HeartbeatPeriod:  heartbeatPeriod,
			HeartbeatTimeout: heartbeatTimeout,
			FailureThreshold: failureThreshold,
		})
		if err != nil {
			return err
		}

		if metricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.G(ctx).WithError(err).Error("metrics listener failed")
				}
			}()
		}

		if err := coord.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	mainCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (options \"debug\", \"info\", \"warn\", \"error\", \"fatal\", \"panic\")")
	mainCmd.Flags().String("metrics-addr", "", "Address to serve prometheus metrics on, disabled when empty")
	mainCmd.Flags().Duration("heartbeat-period", 10*time.Second, "Interval between rack liveness probes")
	mainCmd.Flags().Duration("heartbeat-timeout", 30*time.Second, "Time without a successful probe before a rack is considered down")
	mainCmd.Flags().Duration("failure-threshold", 5*time.Minute, "Time with every rack of a VLAN unreachable before the VLAN is marked failed")

	mainCmd.AddCommand(
		version.Cmd,
	)
}
