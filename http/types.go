package http

// RelayRequest is the relay wire body. It carries exactly the relay
// transport fields; anything else is rejected.
type RelayRequest struct {
	TargetContract string `json:"targetContract"`
	EncodedPayload string `json:"encodedPayload"`
	SpeedHint      string `json:"speedHint"`
	GasCeiling     uint64 `json:"gasCeiling"`
}

// RelayResponse is returned on acceptance
type RelayResponse struct {
	SubmissionID string `json:"submissionId"`
}

// ErrorResponse is returned for every non-2xx status
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// relayRequestSchema validates RelayRequest bodies
const relayRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"required": ["targetContract", "encodedPayload", "speedHint", "gasCeiling"],
	"properties": {
		"targetContract": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"encodedPayload": {"type": "string", "pattern": "^0x([0-9a-fA-F]{2})+$"},
		"speedHint": {"type": "string", "enum": ["safeLow", "average", "fast", "fastest"]},
		"gasCeiling": {"type": "integer", "minimum": 21000}
	}
}`
