package launcher

import (
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/evalphobia/logrus_sentry"
	"github.com/sirupsen/logrus"
)

// sentryLevels are the logrus levels reported to Sentry. Consensus and
// safety failures of the node are logged at Error.
var sentryLevels = []logrus.Level{
	logrus.PanicLevel,
	logrus.FatalLevel,
	logrus.ErrorLevel,
}

// setupLogging configures both loggers of the node: the geth root handler
// used by the core packages and the logrus logger of the node loop.
func setupLogging(cfg LoggingConfig) (*logrus.Logger, error) {
	var handler log.Handler
	if cfg.Format == "json" {
		handler = log.StreamHandler(os.Stderr, log.JSONFormat())
	} else {
		handler = log.StreamHandler(os.Stderr, log.TerminalFormat(cfg.Color))
	}
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(cfg.Verbosity), handler))

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:     cfg.Color,
			DisableColors:   !cfg.Color,
			FullTimestamp:   true,
			TimestampFormat: "01-02|15:04:05.000",
		})
	}
	logger.SetLevel(logrusLevel(cfg.Verbosity))

	if cfg.SentryDSN != "" {
		hook, err := logrus_sentry.NewSentryHook(cfg.SentryDSN, sentryLevels)
		if err != nil {
			return nil, err
		}
		hook.Timeout = 2 * time.Second
		hook.StacktraceConfiguration.Enable = true
		logger.AddHook(hook)
	}
	return logger, nil
}

// logrusLevel maps geth verbosity (0 crit .. 5 trace) onto logrus levels.
func logrusLevel(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.FatalLevel
	case verbosity >= 5:
		return logrus.TraceLevel
	default:
		return logrus.Level(verbosity + 1)
	}
}
