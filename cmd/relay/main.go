package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/steward-backup/cmd/flags"
	"github.com/ruteri/steward-backup/relay"
)

func main() {
	app := &cli.App{
		Name:  "relay",
		Usage: "Serve the steward rendezvous relay",
		Flags: append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.PprofFlag,
			flags.DrainSecondsFlag,
		}, flags.LoggingFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			srv := relay.New(flags.ConfigureServer(cCtx, logger))

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			srv.RunInBackground()
			<-exit

			srv.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
