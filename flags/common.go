package flags

import (
	"gopkg.in/urfave/cli.v1"
)

// CommonFlags returns the base set of CLI flags shared across commands.

func CommonFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Usage: "Data directory for the databases",
			Value: "~/.parlia",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "TOML configuration file",
		},
		cli.StringFlag{
			Name:  "preset",
			Usage: "Resource preset (default|lite|full|archive)",
		},
		cli.StringFlag{
			Name:  "log.format",
			Usage: "Log output format (text|json)",
			Value: "text",
		},
		cli.IntFlag{
			Name:  "log.verbosity",
			Usage: "Logging verbosity (0=crit,1=error,2=warn,3=info,4=debug,5=trace)",
			Value: 3,
		},
		cli.BoolFlag{
			Name:  "log.color",
			Usage: "Enable colored log output",
		},
		cli.StringFlag{
			Name:  "sentry.dsn",
			Usage: "Sentry DSN errors are reported to",
		},
		cli.BoolFlag{
			Name:  "metrics",
			Usage: "Enable collection of Prometheus-compatible metrics",
		},
		cli.StringFlag{
			Name:  "metrics.addr",
			Usage: "Metrics server listening interface",
			Value: "127.0.0.1",
		},
		cli.IntFlag{
			Name:  "metrics.port",
			Usage: "Metrics server listening port",
			Value: 6060,
		},
	}
}
