package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	metatx "github.com/mintrelay/metatx"
	"github.com/mintrelay/metatx/mechanisms/evm"
	"github.com/mintrelay/metatx/pkg/events"
	signerevm "github.com/mintrelay/metatx/signers/evm"
)

var mintKeyEnv string

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Sign and relay a safeMint of one token to the signer's address",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		ctx := cmd.Context()

		key, err := keyFromEnv(mintKeyEnv)
		if err != nil {
			return err
		}
		signer := signerevm.NewKeySigner(key)

		chain, err := dialChain(ctx)
		if err != nil {
			return err
		}
		defer chain.Close()

		transport, err := relayTransport(chain)
		if err != nil {
			return err
		}

		minterCfg := evm.ForwarderMinterConfig{
			Domain:              cfg.DomainDescriptor(),
			Token:               cfg.Token(),
			Signer:              signer,
			Counter:             chain.reader,
			Receipts:            chain.reader,
			Transport:           transport,
			RequestGas:          cfg.Mint.Gas,
			ValidityPeriod:      cfg.Validity(),
			Speed:               metatx.SpeedHint(cfg.Relay.Speed),
			GasCeiling:          cfg.Relay.GasCeiling,
			EventSignature:      cfg.Tracker.EventSignature,
			TopicIndex:          cfg.Tracker.TopicIndex,
			ConfirmationTimeout: cfg.TrackerTimeout(),
			PollInterval:        cfg.PollInterval(),
			Logger:              &log.Logger,
		}

		store, err := openLedger()
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
			minterCfg.Ledger = store
		}
		pub, err := openPublisher()
		if err != nil {
			return err
		}
		defer pub.Close()
		minterCfg.Publisher = events.NewOutcomePublisher(pub)

		minter, err := evm.NewForwarderMinter(minterCfg)
		if err != nil {
			return err
		}

		payload, err := evm.EncodeSafeMint(signer.Address())
		if err != nil {
			return err
		}

		outcome, err := minter.SubmitMintRequest(ctx, signer.Address(), payload)
		if err != nil {
			var typed *metatx.Error
			if errors.As(err, &typed) && typed.Handle != "" {
				fmt.Fprintf(os.Stderr, "%s\nhandle: %s\n", metatx.UserMessage(err), typed.Handle)
			} else {
				fmt.Fprintln(os.Stderr, metatx.UserMessage(err))
			}
			return err
		}
		return printOutcome(outcome)
	},
}

func init() {
	mintCmd.Flags().StringVar(&mintKeyEnv, "key-env", "METATX_SIGNER_KEY", "environment variable holding the signer's private key")
}

func printOutcome(outcome *metatx.MintOutcome) error {
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
