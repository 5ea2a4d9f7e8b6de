package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/thought-analyzer/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev runs at debug, every
// other environment at info. Service and env ride every line so the two
// binaries can be told apart in aggregated output.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
