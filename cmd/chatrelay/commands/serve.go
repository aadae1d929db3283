package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/internal/session"
	"github.com/chatrelay/chatrelay/internal/tool"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chatrelay server",
	Long: `Start the HTTP server. Each POST /chat runs one chat turn and streams
its events as NDJSON; finished turns stay replayable until evicted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	level := appConfig.Log.Level
	if cmd.Flags().Changed("log-level") || level == "" {
		level = logLevel
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Pretty: appConfig.Log.Pretty,
	})

	logging.Info().Str("version", Version).Str("workDir", workDir).Msg("starting chatrelay")

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return err
	}
	if len(providerReg.List()) == 0 {
		logging.Warn().Msg("no providers configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	toolReg := tool.DefaultRegistry(workDir)

	sessionCfg := session.DefaultConfig()
	if s := appConfig.Session.IdleTTLSeconds; s > 0 {
		sessionCfg.IdleTTL = time.Duration(s) * time.Second
	}
	if n := appConfig.Session.MaxSessions; n > 0 {
		sessionCfg.MaxSessions = n
	}
	if s := appConfig.Session.SweepSeconds; s > 0 {
		sessionCfg.SweepInterval = time.Duration(s) * time.Second
	}
	sessions := session.NewRegistry(sessionCfg)
	defer sessions.Close()

	serverConfig := server.DefaultConfig()
	serverConfig.Port = appConfig.Server.Port
	if servePort > 0 {
		serverConfig.Port = servePort
	}
	serverConfig.EnableCORS = appConfig.Server.EnableCORS

	srv := server.New(serverConfig, appConfig, sessions, providerReg, toolReg)

	go func() {
		logging.Info().Int("port", serverConfig.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("server stopped")
	return nil
}
