package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	appName    = "mqrelay"
	appVersion = "0.1.0"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    appName,
		Version: appVersion,
		Usage:   "Reliable message delivery with send and receive records",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Handle publish confirms and returns and run the scheduled reconciler",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "consume",
				Usage:  "Consume the route of one business type through the inbox",
				Flags:  consumeFlags(),
				Action: consume,
			},
			{
				Name:   "publish",
				Usage:  "Publish one message through the outbox and wait for the broker",
				Flags:  publishFlags(),
				Action: publish,
			},
			{
				Name:   "reconcile",
				Usage:  "Run one send sweep and one receive sweep",
				Flags:  reconcileFlags(),
				Action: reconcile,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
