package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/steward-backup/cmd/flags"
	"github.com/ruteri/steward-backup/cryptoutils"
	"github.com/ruteri/steward-backup/distribution"
	"github.com/ruteri/steward-backup/interfaces"
	"github.com/ruteri/steward-backup/ledger"
	"github.com/ruteri/steward-backup/recovery"
	"github.com/ruteri/steward-backup/router"
	"github.com/ruteri/steward-backup/steward"
	"github.com/ruteri/steward-backup/storage"
	"github.com/ruteri/steward-backup/transport"
	"github.com/ruteri/steward-backup/vaultstate"
)

var autoApproveFlag = &cli.BoolFlag{
	Name:  "auto-approve-recovery",
	Value: false,
	Usage: "hand over held shares to any recovery request without asking",
}

func main() {
	app := &cli.App{
		Name:  "stewardd",
		Usage: "Run the steward backup daemon",
		Flags: append([]cli.Flag{
			flags.IdentityKeyFlag,
			flags.StoreFlag,
			flags.RelayFlag,
			flags.RelayDomainFlag,
			flags.EscrowSecretFlag,
			autoApproveFlag,
		}, flags.LoggingFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	identity, err := loadIdentity(cCtx)
	if err != nil {
		return err
	}
	logger = logger.With("identity", identity.PublicKey().String())

	store, err := buildStore(cCtx, logger)
	if err != nil {
		return err
	}

	relays, err := relayAddresses(cCtx)
	if err != nil {
		return err
	}

	endpoint, err := transport.NewRelayClient(relays, identity.PublicKey(), logger)
	if err != nil {
		return err
	}

	guard := vaultstate.NewGuard()
	clock := interfaces.SystemClock{}
	scheduler := interfaces.SystemScheduler{}

	handlers := router.Handlers{
		Ledger: ledger.New(store, endpoint, clock, guard, identity.PublicKey(), logger),
		Distribution: distribution.New(distribution.Config{
			Store:        store,
			Transport:    endpoint,
			Clock:        clock,
			Scheduler:    scheduler,
			Guard:        guard,
			Log:          logger,
			EscrowSecret: []byte(cCtx.String(flags.EscrowSecretFlag.Name)),
		}),
		Recovery: recovery.New(recovery.Config{
			Store:     store,
			Transport: endpoint,
			Clock:     clock,
			Scheduler: scheduler,
			Guard:     guard,
			Log:       logger,
		}),
	}

	var approver steward.Approver
	if cCtx.Bool(autoApproveFlag.Name) {
		logger.Warn("auto-approving recovery requests")
		approver = func(interfaces.RecoveryRequestPayload) bool { return true }
	}
	handlers.Steward = steward.New(store, endpoint, identity, clock, approver, logger)

	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-exit
		logger.Info("shutting down")
		cancel()
	}()

	err = router.New(identity, endpoint, handlers, logger).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadIdentity(cCtx *cli.Context) (*cryptoutils.Identity, error) {
	if raw := cCtx.String(flags.IdentityKeyFlag.Name); raw != "" {
		identity, err := cryptoutils.IdentityFromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing identity key: %w", err)
		}
		return identity, nil
	}

	// No key supplied; mint a throwaway identity and print it so the user
	// can persist it for the next start.
	identity, err := cryptoutils.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "generated ephemeral identity key: %s\n", identity.ExportHex())
	return identity, nil
}

func buildStore(cCtx *cli.Context, logger *slog.Logger) (interfaces.Store, error) {
	uris := cCtx.StringSlice(flags.StoreFlag.Name)
	locs := make([]interfaces.StoreLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStoreLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("parsing store uri %q: %w", uri, err)
		}
		locs = append(locs, loc)
	}
	return storage.NewFactory(logger).CreateMultiStore(locs)
}

func relayAddresses(cCtx *cli.Context) ([]string, error) {
	if relays := cCtx.StringSlice(flags.RelayFlag.Name); len(relays) > 0 {
		return relays, nil
	}
	if domain := cCtx.String(flags.RelayDomainFlag.Name); domain != "" {
		return transport.ResolveRelays(domain, "")
	}
	return nil, errors.New("either --relay or --relay-domain is required")
}
