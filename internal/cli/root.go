// Package cli implements the voicekb CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/app"
	"github.com/rcliao/voicekb/internal/config"
	"github.com/rcliao/voicekb/internal/logging"
)

var (
	dbPath     string
	configPath string
	formatFlag string
	verbose    bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "voicekb",
	Short: "Voice call assistant grounded in knowledge bases",
	Long:  "Answers phone calls with a language model grounded in per-user knowledge bases. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $VOICEKB_DB or ~/.voicekb/voicekb.db)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./voicekb.yaml if present)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg
}

// newLogger returns the configured logger for serve, and a no-op logger for
// one-shot commands unless --verbose is set.
func newLogger(cfg *config.Config, always bool) *zap.Logger {
	if !always && !verbose {
		return zap.NewNop()
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		exitErr("build logger", err)
	}
	return logger
}

func openApp(cmd *cobra.Command) *app.App {
	cfg := loadConfig()
	a, err := app.Open(cmd.Context(), cfg, newLogger(cfg, false))
	if err != nil {
		exitErr("open", err)
	}
	return a
}

// readInput returns args joined, or stdin when it is piped.
func readInput(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

// output prints v as indented JSON, or through text when --format text.
func output(cmd *cobra.Command, v any, text func(w io.Writer)) {
	w := cmd.OutOrStdout()
	if formatFlag == "text" && text != nil {
		text(w)
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
