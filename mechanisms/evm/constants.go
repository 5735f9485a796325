package evm

import (
	"time"
)

const (
	// PrimaryType of the signed structure
	PrimaryType = "ForwardRequest"

	// DomainType is the EIP-712 domain type name
	DomainType = "EIP712Domain"

	// Forwarder function names
	FunctionExecute = "execute"
	FunctionNonces  = "nonces"

	// Token function names
	FunctionSafeMint = "safeMint"

	// Default ForwardRequest gas budget
	DefaultRequestGas = 1_000_000

	// Default gas limit for the sponsor transaction. Must exceed DefaultRequestGas.
	DefaultGasCeiling = 1_500_000

	// Default validity window (1 hour)
	DefaultValidityPeriod = time.Hour

	// Default confirmation wait
	DefaultConfirmationTimeout = 2 * time.Minute

	// Default receipt poll interval
	DefaultPollInterval = 2 * time.Second

	// ERC-721 Transfer event; tokenId is the third indexed argument.
	TransferEventSignature = "Transfer(address,address,uint256)"
	TransferTokenIDTopic   = 3

	// Signature length (r, s, v)
	SignatureLength = 65
)

var (
	// ForwarderABI covers the forwarder functions used by this module.
	ForwarderABI = []byte(`[
		{
			"inputs": [
				{
					"components": [
						{"name": "from", "type": "address"},
						{"name": "to", "type": "address"},
						{"name": "value", "type": "uint256"},
						{"name": "gas", "type": "uint256"},
						{"name": "nonce", "type": "uint256"},
						{"name": "deadline", "type": "uint48"},
						{"name": "data", "type": "bytes"},
						{"name": "signature", "type": "bytes"}
					],
					"name": "request",
					"type": "tuple"
				}
			],
			"name": "execute",
			"outputs": [],
			"stateMutability": "payable",
			"type": "function"
		},
		{
			"inputs": [{"name": "owner", "type": "address"}],
			"name": "nonces",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// MintABI for the ERC-721 token minted through the forwarder
	MintABI = []byte(`[
		{
			"inputs": [{"name": "to", "type": "address"}],
			"name": "safeMint",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)
