package logger

import (
	"github.com/vipul43/ledgersync/internal/config"

	"go.uber.org/zap"
)

// New builds the process logger. Production uses JSON output, everything
// else the console encoder.
func New(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Environment == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	// Enable caller so the function name is attached to every entry
	zapConfig.EncoderConfig.FunctionKey = "func"

	return zapConfig.Build(zap.AddCaller())
}
