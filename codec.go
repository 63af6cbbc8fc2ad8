package x402

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

const proofSchemaJSON = `{
  "type": "object",
  "required": ["x402Version", "challengeNonce", "payload", "signature", "signerIdentity"],
  "properties": {
    "x402Version": {"type": "integer", "enum": [2]},
    "challengeNonce": {"type": "string", "minLength": 1},
    "signature": {"type": "string", "minLength": 1},
    "signerIdentity": {"type": "string", "minLength": 1},
    "payload": {
      "type": "object",
      "required": ["recipient", "amount", "asset", "network", "timestamp", "validAfter", "validBefore", "nonce"],
      "properties": {
        "recipient": {"type": "string", "minLength": 1},
        "amount": {"type": "string", "pattern": "^[0-9]+$"},
        "asset": {"type": "string", "minLength": 1},
        "network": {"type": "string", "minLength": 1},
        "resourceId": {"type": "string"},
        "timestamp": {"type": "integer"},
        "validAfter": {"type": "integer"},
        "validBefore": {"type": "integer"},
        "nonce": {"type": "string", "minLength": 1}
      }
    }
  }
}`

const challengeSchemaJSON = `{
  "type": "object",
  "required": ["x402Version", "scheme", "network", "payTo", "asset", "maxAmountRequired", "resourceId", "maxTimeoutSeconds", "nonce", "issuedAt"],
  "properties": {
    "x402Version": {"type": "integer", "enum": [2]},
    "scheme": {"type": "string", "minLength": 1},
    "network": {"type": "string", "minLength": 1},
    "payTo": {"type": "string", "minLength": 1},
    "asset": {"type": "string", "minLength": 1},
    "maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
    "resourceId": {"type": "string"},
    "maxTimeoutSeconds": {"type": "integer", "minimum": 1},
    "nonce": {"type": "string", "minLength": 1},
    "issuedAt": {"type": "integer"}
  }
}`

var (
	schemaOnce      sync.Once
	proofSchema     *gojsonschema.Schema
	challengeSchema *gojsonschema.Schema
	schemaErr       error
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		proofSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(proofSchemaJSON))
		if schemaErr != nil {
			return
		}
		challengeSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(challengeSchemaJSON))
	})
	return schemaErr
}

// EncodeChallenge serializes a challenge to its header form: base64(JSON).
// Encoding is deterministic for a given value.
func EncodeChallenge(challenge PaymentChallenge) (string, error) {
	return encodeBlob(challenge)
}

// DecodeChallenge parses a challenge header. Errors are *PaymentError with
// KindMalformedProof for framing problems and KindSchemaMismatch for shape problems.
func DecodeChallenge(blob string) (PaymentChallenge, error) {
	var challenge PaymentChallenge
	if err := decodeBlob(blob, "challenge", &challengeSchema, &challenge); err != nil {
		return PaymentChallenge{}, err
	}
	return challenge, nil
}

// EncodeProof serializes a proof to its header form
func EncodeProof(proof PaymentProof) (string, error) {
	return encodeBlob(proof)
}

// DecodeProof parses a proof header.
//
// Returns:
//   - KindMalformedProof when the blob is not base64 or not JSON
//   - KindSchemaMismatch when required fields are missing or of the wrong type,
//     or the protocol version is not ProtocolVersion
func DecodeProof(blob string) (PaymentProof, error) {
	var proof PaymentProof
	if err := decodeBlob(blob, "proof", &proofSchema, &proof); err != nil {
		return PaymentProof{}, err
	}
	return proof, nil
}

// EncodeSettlement serializes a settlement record for the response header
func EncodeSettlement(record SettlementRecord) (string, error) {
	return encodeBlob(record)
}

// DecodeSettlement parses a settlement response header
func DecodeSettlement(blob string) (SettlementRecord, error) {
	raw, err := decodeBase64(blob, "settlement")
	if err != nil {
		return SettlementRecord{}, err
	}
	var record SettlementRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return SettlementRecord{}, NewPaymentError(KindMalformedProof, "settlement is not valid JSON", err)
	}
	return record, nil
}

// ProofDigest identifies a proof by the SHA256 of its canonical encoding.
// Two presentations of the same signed proof have the same digest.
func ProofDigest(proof PaymentProof) string {
	data, err := json.Marshal(proof)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func encodeBlob(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeBase64(blob, what string) ([]byte, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, NewPaymentError(KindMalformedProof, what+" is empty", nil)
	}
	if !base64Regex.MatchString(blob) {
		return nil, NewPaymentError(KindMalformedProof, what+" is not valid base64", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, NewPaymentError(KindMalformedProof, what+" base64 decoding failed", err)
	}
	return raw, nil
}

func decodeBlob(blob, what string, schema **gojsonschema.Schema, out interface{}) error {
	raw, err := decodeBase64(blob, what)
	if err != nil {
		return err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return NewPaymentError(KindMalformedProof, what+" is not valid JSON", err)
	}
	if _, ok := generic.(map[string]interface{}); !ok {
		return NewPaymentError(KindSchemaMismatch, what+" must be a JSON object", nil)
	}

	if err := loadSchemas(); err != nil {
		return fmt.Errorf("failed to compile %s schema: %w", what, err)
	}
	result, err := (*schema).Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return NewPaymentError(KindSchemaMismatch, what+" schema validation failed", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return NewPaymentError(KindSchemaMismatch, fmt.Sprintf("invalid %s: %s", what, strings.Join(problems, "; ")), nil)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return NewPaymentError(KindSchemaMismatch, "failed to parse "+what, err)
	}
	return nil
}
