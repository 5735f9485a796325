package evm

import (
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// toAPITypes converts field definitions to the go-ethereum representation
func toAPITypes(types map[string][]TypedDataField) apitypes.Types {
	out := make(apitypes.Types, len(types))
	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		out[typeName] = typedFields
	}
	return out
}
