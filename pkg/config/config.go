// Package config loads the metatx TOML configuration and applies METATX_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"

	metatx "github.com/mintrelay/metatx"
	"github.com/mintrelay/metatx/mechanisms/evm"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "METATX_"

type ChainConfig struct {
	RPCURL  string `json:"rpc_url,omitempty" toml:"rpc_url,omitempty"`
	ChainID int64  `json:"chain_id,omitempty" toml:"chain_id,omitempty"`
}

type DomainConfig struct {
	Name              string `json:"name,omitempty" toml:"name,omitempty"`
	Version           string `json:"version,omitempty" toml:"version,omitempty"`
	VerifyingContract string `json:"verifying_contract,omitempty" toml:"verifying_contract,omitempty"`
}

type MintConfig struct {
	TokenContract string `json:"token_contract,omitempty" toml:"token_contract,omitempty"`
	Gas           uint64 `json:"gas,omitempty" toml:"gas,omitempty"`
	Validity      string `json:"validity,omitempty" toml:"validity,omitempty"`
}

type RelayConfig struct {
	URL           string  `json:"url,omitempty" toml:"url,omitempty"`
	Listen        string  `json:"listen,omitempty" toml:"listen,omitempty"`
	Speed         string  `json:"speed,omitempty" toml:"speed,omitempty"`
	GasCeiling    uint64  `json:"gas_ceiling,omitempty" toml:"gas_ceiling,omitempty"`
	MaxGasCeiling uint64  `json:"max_gas_ceiling,omitempty" toml:"max_gas_ceiling,omitempty"`
	RateLimit     float64 `json:"rate_limit,omitempty" toml:"rate_limit,omitempty"`
	Burst         int     `json:"burst,omitempty" toml:"burst,omitempty"`
	SponsorKeyEnv string  `json:"sponsor_key_env,omitempty" toml:"sponsor_key_env,omitempty"`
}

type TrackerConfig struct {
	Timeout        string `json:"timeout,omitempty" toml:"timeout,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	EventSignature string `json:"event_signature,omitempty" toml:"event_signature,omitempty"`
	TopicIndex     int    `json:"topic_index,omitempty" toml:"topic_index,omitempty"`
}

type LedgerConfig struct {
	Path string `json:"path,omitempty" toml:"path,omitempty"`
}

type EventsConfig struct {
	NATSURL string `json:"nats_url,omitempty" toml:"nats_url,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty" toml:"level,omitempty"`
	Format string `json:"format,omitempty" toml:"format,omitempty"`
}

type Config struct {
	Chain   ChainConfig   `json:"chain,omitempty" toml:"chain,omitempty"`
	Domain  DomainConfig  `json:"domain,omitempty" toml:"domain,omitempty"`
	Mint    MintConfig    `json:"mint,omitempty" toml:"mint,omitempty"`
	Relay   RelayConfig   `json:"relay,omitempty" toml:"relay,omitempty"`
	Tracker TrackerConfig `json:"tracker,omitempty" toml:"tracker,omitempty"`
	Ledger  LedgerConfig  `json:"ledger,omitempty" toml:"ledger,omitempty"`
	Events  EventsConfig  `json:"events,omitempty" toml:"events,omitempty"`
	Log     LogConfig     `json:"log,omitempty" toml:"log,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Domain: DomainConfig{Name: "MyForwarder", Version: "1"},
		Mint: MintConfig{
			Gas:      evm.DefaultRequestGas,
			Validity: evm.DefaultValidityPeriod.String(),
		},
		Relay: RelayConfig{
			Listen:        ":8080",
			Speed:         string(metatx.SpeedFast),
			GasCeiling:    evm.DefaultGasCeiling,
			MaxGasCeiling: 3_000_000,
			RateLimit:     5,
			Burst:         10,
			SponsorKeyEnv: "METATX_SPONSOR_KEY",
		},
		Tracker: TrackerConfig{
			Timeout:        evm.DefaultConfirmationTimeout.String(),
			PollInterval:   evm.DefaultPollInterval.String(),
			EventSignature: evm.TransferEventSignature,
			TopicIndex:     evm.TransferTokenIDTopic,
		},
		Ledger: LedgerConfig{Path: "metatx.db"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := toml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from METATX_* variables returned by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RPC_URL":         &c.Chain.RPCURL,
		"DOMAIN_NAME":     &c.Domain.Name,
		"DOMAIN_VERSION":  &c.Domain.Version,
		"FORWARDER":       &c.Domain.VerifyingContract,
		"TOKEN":           &c.Mint.TokenContract,
		"VALIDITY":        &c.Mint.Validity,
		"RELAY_URL":       &c.Relay.URL,
		"LISTEN":          &c.Relay.Listen,
		"SPEED":           &c.Relay.Speed,
		"SPONSOR_KEY_ENV": &c.Relay.SponsorKeyEnv,
		"TRACKER_TIMEOUT": &c.Tracker.Timeout,
		"POLL_INTERVAL":   &c.Tracker.PollInterval,
		"EVENT_SIGNATURE": &c.Tracker.EventSignature,
		"LEDGER_PATH":     &c.Ledger.Path,
		"NATS_URL":        &c.Events.NATSURL,
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FORMAT":      &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	uints := map[string]*uint64{
		"GAS":             &c.Mint.Gas,
		"GAS_CEILING":     &c.Relay.GasCeiling,
		"MAX_GAS_CEILING": &c.Relay.MaxGasCeiling,
	}
	for key, dst := range uints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "CHAIN_ID"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCHAIN_ID: %w", EnvPrefix, err)
		}
		c.Chain.ChainID = n
	}
	if v, ok := lookup(EnvPrefix + "TOPIC_INDEX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTOPIC_INDEX: %w", EnvPrefix, err)
		}
		c.Tracker.TopicIndex = n
	}
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err)
		}
		c.Relay.RateLimit = n
	}
	if v, ok := lookup(EnvPrefix + "BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sBURST: %w", EnvPrefix, err)
		}
		c.Relay.Burst = n
	}
	return nil
}

// Validate reports every problem found, joined
func (c *Config) Validate() error {
	var errs []error
	if c.Chain.ChainID <= 0 {
		errs = append(errs, errors.New("chain.chain_id must be positive"))
	}
	if !isAddress(c.Domain.VerifyingContract) {
		errs = append(errs, fmt.Errorf("domain.verifying_contract %q is not an address", c.Domain.VerifyingContract))
	}
	if !isAddress(c.Mint.TokenContract) {
		errs = append(errs, fmt.Errorf("mint.token_contract %q is not an address", c.Mint.TokenContract))
	}
	if c.Domain.Name == "" || c.Domain.Version == "" {
		errs = append(errs, errors.New("domain.name and domain.version are required"))
	}
	for name, value := range map[string]string{
		"mint.validity":         c.Mint.Validity,
		"tracker.timeout":       c.Tracker.Timeout,
		"tracker.poll_interval": c.Tracker.PollInterval,
	} {
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s %q is not a positive duration", name, value))
		}
	}
	if c.Relay.GasCeiling <= c.Mint.Gas {
		errs = append(errs, fmt.Errorf("relay.gas_ceiling %d must exceed mint.gas %d", c.Relay.GasCeiling, c.Mint.Gas))
	}
	if c.Relay.MaxGasCeiling != 0 && c.Relay.MaxGasCeiling < c.Relay.GasCeiling {
		errs = append(errs, fmt.Errorf("relay.max_gas_ceiling %d is below relay.gas_ceiling %d", c.Relay.MaxGasCeiling, c.Relay.GasCeiling))
	}
	if !metatx.SpeedHint(c.Relay.Speed).Valid() {
		errs = append(errs, fmt.Errorf("relay.speed %q is not a speed hint", c.Relay.Speed))
	}
	if c.Tracker.TopicIndex < 1 || c.Tracker.TopicIndex > 3 {
		errs = append(errs, fmt.Errorf("tracker.topic_index %d must be 1..3", c.Tracker.TopicIndex))
	}
	return errors.Join(errs...)
}

// DomainDescriptor returns the EIP-712 domain the configuration describes
func (c *Config) DomainDescriptor() metatx.DomainDescriptor {
	return metatx.DomainDescriptor{
		Name:              c.Domain.Name,
		Version:           c.Domain.Version,
		ChainID:           big.NewInt(c.Chain.ChainID),
		VerifyingContract: common.HexToAddress(c.Domain.VerifyingContract),
	}
}

func (c *Config) Token() common.Address {
	return common.HexToAddress(c.Mint.TokenContract)
}

func (c *Config) Validity() time.Duration {
	return duration(c.Mint.Validity)
}

func (c *Config) TrackerTimeout() time.Duration {
	return duration(c.Tracker.Timeout)
}

func (c *Config) PollInterval() time.Duration {
	return duration(c.Tracker.PollInterval)
}

// duration yields zero for a bad value so the component default applies.
// Validate reports the bad value itself.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func isAddress(s string) bool {
	addr, err := metatx.ParseAddress(s)
	return err == nil && addr != (common.Address{})
}
