package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/d71dev/megaphone/pkg/controller"
	"github.com/d71dev/megaphone/pkg/controllerconfig"
	"github.com/d71dev/megaphone/pkg/k8sclient"
	"github.com/d71dev/megaphone/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "megaphonectl",
	Short:   "megaphonectl - the Megaphone cluster reconciler",
	Version: Version,
	RunE:    runController,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("megaphonectl version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := controllerconfig.Load()
	if err != nil {
		return fmt.Errorf("load controller config: %w", err)
	}

	k8s, err := k8sclient.New(cfg.Namespace, cfg.ClusterName)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}

	c := controller.New(k8s, k8s, k8s, controller.NewHTTPMegactlClient())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Logger.Info().
		Str("cluster", cfg.ClusterName).
		Str("namespace", cfg.Namespace).
		Msg("starting reconcile loop")
	c.Start(ctx)

	<-ctx.Done()
	log.Logger.Info().Msg("shutting down")
	c.Stop()
	return nil
}
