package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/keyhold/keyhold/actor"
	"github.com/keyhold/keyhold/cmd/flags"
	"github.com/keyhold/keyhold/common"
	"github.com/keyhold/keyhold/httpserver"
	"github.com/keyhold/keyhold/masterkey"
	"github.com/keyhold/keyhold/metrics"
	"github.com/keyhold/keyhold/persist"
	"github.com/keyhold/keyhold/registry"
	"github.com/keyhold/keyhold/vault"
)

var appFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.StorageURIFlag,
	flags.MasterSeedFlag,
	flags.PassphraseFileFlag,
	flags.PassphraseSaltFlag,
	flags.ShareFilesFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:    "keyholdd",
		Usage:   "Serve the keyhold key management API",
		Version: common.Version,
		Flags:   appFlags,
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	mk, err := unlockMasterKey(cCtx)
	if err != nil {
		logger.Error("Failed to assemble master key", "err", err)
		return err
	}

	storageURI := cCtx.String(flags.StorageURIFlag.Name)
	store, err := persist.NewAdapter(storageURI, logger)
	if err != nil {
		logger.Error("Failed to create persistence adapter", "err", err, "uri", storageURI)
		mk.Destroy()
		return err
	}
	logger.Info("Persistence adapter ready", "adapter", store.Name(), "location", store.LocationURI())

	v := vault.New(logger)
	logger.Info("Secret vault initialized", "protection", v.Protection().String())

	reg := registry.New(logger, v, store)
	reg.Unlock(mk)

	m := metrics.New(common.PackageName)
	act := actor.New(logger, reg, m)

	cfg := flags.ConfigureServer(cCtx, logger)
	cfg.StorageCheck = store.Available
	server, err := httpserver.New(cfg, httpserver.NewHandler(act, logger), m)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		act.Close()
		reg.Lock()
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Keystore is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	act.Close()
	reg.Lock()
	logger.Info("Shutdown complete")

	return nil
}

// unlockMasterKey assembles the master key from exactly one of the
// supported sources: a raw hex seed, a passphrase file with a salt, or a
// set of Shamir share files.
func unlockMasterKey(cCtx *cli.Context) (*masterkey.MasterKey, error) {
	seedHex := cCtx.String(flags.MasterSeedFlag.Name)
	passphraseFile := cCtx.String(flags.PassphraseFileFlag.Name)
	shareFiles := cCtx.StringSlice(flags.ShareFilesFlag.Name)

	sources := 0
	for _, set := range []bool{seedHex != "", passphraseFile != "", len(shareFiles) > 0} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, errors.New("exactly one of --master-seed, --passphrase-file, or --share-file is required")
	}

	switch {
	case seedHex != "":
		raw, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("invalid master-seed: %w", err)
		}
		return masterkey.FromBytes(raw)

	case passphraseFile != "":
		saltHex := cCtx.String(flags.PassphraseSaltFlag.Name)
		if saltHex == "" {
			return nil, errors.New("passphrase-salt is required with passphrase-file")
		}
		salt, err := hex.DecodeString(saltHex)
		if err != nil {
			return nil, fmt.Errorf("invalid passphrase-salt: %w", err)
		}
		passphrase, err := os.ReadFile(passphraseFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase file: %w", err)
		}
		return masterkey.FromPassphrase([]byte(strings.TrimSpace(string(passphrase))), salt)

	default:
		shares := make([][]byte, 0, len(shareFiles))
		for _, file := range shareFiles {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read share file %s: %w", file, err)
			}
			share, err := hex.DecodeString(strings.TrimSpace(string(data)))
			if err != nil {
				return nil, fmt.Errorf("invalid share in %s: %w", file, err)
			}
			shares = append(shares, share)
		}
		return masterkey.Combine(shares)
	}
}
