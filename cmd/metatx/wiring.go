package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	metatx "github.com/mintrelay/metatx"
	relayhttp "github.com/mintrelay/metatx/http"
	"github.com/mintrelay/metatx/pkg/events"
	"github.com/mintrelay/metatx/pkg/ledger"
	signerevm "github.com/mintrelay/metatx/signers/evm"
)

// chainDeps holds the RPC-backed collaborators shared by every command
type chainDeps struct {
	reader *signerevm.ChainReader
	client *ethclient.Client
}

func dialChain(ctx context.Context) (*chainDeps, error) {
	if cfg.Chain.RPCURL == "" {
		return nil, fmt.Errorf("chain.rpc_url is required")
	}
	reader, client, err := signerevm.DialChainReader(ctx, cfg.Chain.RPCURL, cfg.DomainDescriptor().VerifyingContract)
	if err != nil {
		return nil, err
	}
	return &chainDeps{reader: reader, client: client}, nil
}

func (d *chainDeps) Close() {
	d.client.Close()
}

// keyFromEnv reads a hex private key from the named variable
func keyFromEnv(name string) (*ecdsa.PrivateKey, error) {
	hexKey := strings.TrimSpace(os.Getenv(name))
	if hexKey == "" {
		return nil, fmt.Errorf("environment variable %s is empty", name)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key in %s: %w", name, err)
	}
	return key, nil
}

func newSponsor(d *chainDeps) (*signerevm.Sponsor, error) {
	key, err := keyFromEnv(cfg.Relay.SponsorKeyEnv)
	if err != nil {
		return nil, err
	}
	return signerevm.NewSponsor(d.client, key, cfg.DomainDescriptor().ChainID, &log.Logger), nil
}

// relayTransport prefers a remote relay and falls back to sponsoring from
// this process when no relay URL is configured.
func relayTransport(d *chainDeps) (metatx.RelayTransport, error) {
	if cfg.Relay.URL != "" {
		return relayhttp.NewRelayClient(relayhttp.RelayConfig{URL: cfg.Relay.URL})
	}
	return newSponsor(d)
}

func openLedger() (*ledger.SQLiteLedger, error) {
	if cfg.Ledger.Path == "" {
		return nil, nil
	}
	return ledger.Open(cfg.Ledger.Path)
}

func openPublisher() (events.Publisher, error) {
	if cfg.Events.NATSURL == "" {
		return &events.NoopPublisher{}, nil
	}
	return events.NewNATSPublisher(cfg.Events.NATSURL)
}
