// Package obslog wires the broker's structured logger.
//
// The teacher logs with log.Printf and emoji-prefixed messages
// (internal/auth/token/manager.go in the retrieval pack). We keep that
// lifecycle-event texture but route it through zap fields, since a
// multi-tenant broker's logs must be filterable by project/connection id.
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode gets console output and
// debug level; production gets JSON and info level.
func New(development bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	logger, err := cfg.Build()
	if err != nil {
		// Should not happen with the stock configs above; fall back rather
		// than take the process down over a logging misconfiguration.
		logger = zap.NewNop()
		os.Stderr.WriteString("obslog: falling back to no-op logger: " + err.Error() + "\n")
	}
	return logger
}
