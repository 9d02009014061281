// Logger bootstrap for the database and its tools.
//
// Logs are structured and go through pingcap/log, which every package uses
// directly. There are four levels in total: ERROR, WARN, INFO, DEBUG.
// The default level is INFO, you can change it by:
// - passing a level to InitLogger
// - set environment variable `LOG_LEVEL`

package log

import (
	"os"
	"strings"

	"github.com/pingcap/errors"
	plog "github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StringToLogLevel normalizes a level name, falling back to info.
func StringToLogLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error", "fatal":
		return "error"
	}
	return "info"
}

// InitLogger replaces the global logger. An empty level is read from LOG_LEVEL.
func InitLogger(level string) error {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	cfg := &plog.Config{
		Level:  StringToLogLevel(level),
		Format: "text",
	}
	lg, props, err := plog.InitLogger(cfg, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	plog.ReplaceGlobals(lg, props)
	return nil
}
