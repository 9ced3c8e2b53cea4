package observability

import (
	"log/slog"
	"os"

	"github.com/orbit-rag/orbit/internal/config"
)

// SetupLogger configures a JSON slog logger annotated with service/env
// fields, verbose-mode aware per spec §4.11 ("the raw content of queries is
// not logged unless verbose mode is enabled").
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() || cfg.Verbose {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
