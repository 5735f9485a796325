package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	metatx "github.com/mintrelay/metatx"
	"github.com/mintrelay/metatx/mechanisms/evm"
	"github.com/mintrelay/metatx/pkg/events"
)

var recheckPending bool

var recheckCmd = &cobra.Command{
	Use:   "recheck [handle]",
	Short: "Resolve a submission that timed out waiting for confirmation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !recheckPending {
			return fmt.Errorf("pass a handle or --pending")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		ctx := cmd.Context()

		chain, err := dialChain(ctx)
		if err != nil {
			return err
		}
		defer chain.Close()

		tracker, err := evm.NewConfirmationTracker(chain.reader, evm.TrackerConfig{
			EventSignature: cfg.Tracker.EventSignature,
			TopicIndex:     cfg.Tracker.TopicIndex,
			Emitter:        cfg.Token(),
			Timeout:        cfg.TrackerTimeout(),
			PollInterval:   cfg.PollInterval(),
			Logger:         &log.Logger,
		})
		if err != nil {
			return err
		}

		confirmCfg := metatx.ConfirmerConfig{Tracker: tracker, Logger: &log.Logger}
		store, err := openLedger()
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
			confirmCfg.Ledger = store
		}
		pub, err := openPublisher()
		if err != nil {
			return err
		}
		defer pub.Close()
		confirmCfg.Publisher = events.NewOutcomePublisher(pub)

		confirmer, err := metatx.NewConfirmer(confirmCfg)
		if err != nil {
			return err
		}

		handles := args
		if recheckPending {
			if store == nil {
				return fmt.Errorf("--pending needs ledger.path")
			}
			pending, err := store.ListPending(ctx)
			if err != nil {
				return err
			}
			for _, rec := range pending {
				handles = append(handles, rec.Handle.String())
			}
		}

		var failed error
		for _, h := range handles {
			if err := recheckOne(ctx, confirmer, metatx.SubmissionHandle(h)); err != nil {
				failed = errors.Join(failed, err)
			}
		}
		return failed
	},
}

func init() {
	recheckCmd.Flags().BoolVar(&recheckPending, "pending", false, "recheck every pending handle in the ledger")
}

func recheckOne(ctx context.Context, confirmer *metatx.Confirmer, handle metatx.SubmissionHandle) error {
	outcome, err := confirmer.Recheck(ctx, handle)
	if err != nil {
		fmt.Printf("%s: %s\n", handle, metatx.UserMessage(err))
		return err
	}
	return printOutcome(outcome)
}
