package ledger

import (
	"fmt"

	"github.com/novapulse/supervisor/pkg/config"
	"go.uber.org/zap"
)

// Open constructs the configured Store backend.
func Open(logger *zap.Logger, cfg config.LedgerConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(logger.Named("ledger"), cfg.DataDir, cfg.WriteTimeout)
	case "postgres":
		return NewPostgresStore(logger.Named("ledger"), cfg.PostgresDSN, cfg.WriteTimeout)
	default:
		return nil, fmt.Errorf("ledger: unknown backend %q", cfg.Backend)
	}
}
