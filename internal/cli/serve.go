package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/app"
	"github.com/rcliao/voicekb/internal/server"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve telephony webhooks and the admin API",
		Run:   runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default: server.addr)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	logger := newLogger(cfg, true)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	engine, err := a.Engine(ctx)
	if err != nil {
		exitErr("build engine", err)
	}

	logger.Info("starting",
		zap.String("db", cfg.DBPath),
		zap.String("llm", cfg.LLM.Provider),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.Bool("redis_lock", cfg.Lock.RedisURL != ""))

	if err := server.New(cfg, engine, a.Knowledge, logger).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		exitErr("serve", err)
	}
}
