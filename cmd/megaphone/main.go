package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/broker"
	"github.com/d71dev/megaphone/pkg/config"
	"github.com/d71dev/megaphone/pkg/controller"
	"github.com/d71dev/megaphone/pkg/httpapi"
	"github.com/d71dev/megaphone/pkg/log"
	"github.com/d71dev/megaphone/pkg/syncpipe"
	"github.com/d71dev/megaphone/pkg/webhook"
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
	Use:     "megaphone",
	Short:   "Megaphone - a broadcast channel broker",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("megaphone version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to a megaphone.yaml config file")
	rootCmd.Flags().StringSlice("cors-allowed-origin", []string{"*"}, "Allowed CORS origins for the public surface")
	rootCmd.Flags().Int("pod-internal-port", controller.PodInternalPort, "Port the controller's per-pod megactl RPC reaches this pod on")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	allowedOrigins, _ := cmd.Flags().GetStringSlice("cors-allowed-origin")
	podInternalPort, _ := cmd.Flags().GetInt("pod-internal-port")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := agent.NewRegistry(cfg.AgentWarmup)
	for name, status := range cfg.VirtualAgents {
		if _, err := registry.AddMaster(name); err != nil {
			return fmt.Errorf("provision virtual agent %q: %w", name, err)
		}
		log.WithAgent(name).Info().Str("status", status).Msg("virtual agent provisioned from config")
	}

	var targets []webhook.Target
	for name, wh := range cfg.Webhooks {
		targets = append(targets, webhook.Target{Name: name, Hook: wh.Hook, Endpoint: wh.Endpoint})
	}
	dispatcher := webhook.NewDispatcher(targets)

	b := broker.New(registry, dispatcher, cfg.PollDuration)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	b.StartSweeper(ctx)

	pipeServer := syncpipe.NewServer(registry, b)
	go func() {
		log.Logger.Info().Str("addr", cfg.GRPCAddress).Msg("sync pipe server listening")
		if err := pipeServer.Serve(cfg.GRPCAddress); err != nil {
			log.Logger.Error().Err(err).Msg("sync pipe server exited")
		}
	}()

	publicSrv := &http.Server{
		Addr:    cfg.Address,
		Handler: httpapi.PublicRouter(b, httpapi.CORSOptions{AllowedOrigins: allowedOrigins}),
	}
	go func() {
		log.Logger.Info().Str("addr", cfg.Address).Msg("public HTTP surface listening")
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("public HTTP surface exited")
		}
	}()

	mngSrv, mngListener, err := startManagementServer(cfg.MngSocketPath, registry, b)
	if err != nil {
		return fmt.Errorf("start management surface: %w", err)
	}
	go func() {
		log.Logger.Info().Str("socket", cfg.MngSocketPath).Msg("management HTTP surface listening")
		if err := mngSrv.Serve(mngListener); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("management HTTP surface exited")
		}
	}()

	// The controller's per-pod megactl RPC (pipe-agent during tear-down)
	// reaches this pod over its headless service, so the same management
	// router is also exposed over that TCP port, not only the operator's
	// local Unix socket.
	podInternalSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", podInternalPort),
		Handler: httpapi.ManagementRouter(registry, b),
	}
	go func() {
		log.Logger.Info().Int("port", podInternalPort).Msg("pod-internal megactl surface listening")
		if err := podInternalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("pod-internal megactl surface exited")
		}
	}()

	<-ctx.Done()
	log.Logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = publicSrv.Shutdown(shutdownCtx)
	_ = mngSrv.Shutdown(shutdownCtx)
	_ = podInternalSrv.Shutdown(shutdownCtx)
	pipeServer.GracefulStop()
	b.Stop()
	return nil
}

func startManagementServer(socketPath string, registry *agent.Registry, b *broker.Broker) (*http.Server, net.Listener, error) {
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: httpapi.ManagementRouter(registry, b)}
	return srv, listener, nil
}
