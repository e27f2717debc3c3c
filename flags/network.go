package flags

import (
	"gopkg.in/urfave/cli.v1"
)

// NetworkFlags select the chain and its consensus parameters.

func NetworkFlags() []cli.Flag {
	return []cli.Flag{
		cli.IntFlag{
			Name:  "fakenet",
			Usage: "Run a fake network of the given number of validators",
			Value: 1,
		},
		cli.Uint64Flag{
			Name:  "epoch",
			Usage: "Override the number of blocks per validator epoch",
		},
		cli.Uint64Flag{
			Name:  "period",
			Usage: "Override the minimum block interval in seconds",
		},
	}
}

// ValidatorFlags configure block production.
func ValidatorFlags() []cli.Flag {
	return []cli.Flag{
		cli.BoolFlag{
			Name:  "validator",
			Usage: "Produce blocks with a fake network validator key",
		},
		cli.IntFlag{
			Name:  "validator.id",
			Usage: "Index of the fake network validator key to produce with",
		},
	}
}
