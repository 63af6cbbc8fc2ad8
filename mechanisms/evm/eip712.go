package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/x402-foundation/paygate"
)

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

var domainFields = []TypedDataField{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var transferWithAuthorizationFields = []TypedDataField{
	{Name: "from", Type: "address"},
	{Name: "to", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "validAfter", Type: "uint256"},
	{Name: "validBefore", Type: "uint256"},
	{Name: "nonce", Type: "bytes32"},
}

// HashTypedData hashes EIP-712 typed data.
// The hash is computed as: keccak256("\x19\x01" + domainSeparator + structHash)
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = typedFields
	}
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		fields := make([]apitypes.Type, len(domainFields))
		for i, field := range domainFields {
			fields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types["EIP712Domain"] = fields
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// Authorization is an EIP-3009 TransferWithAuthorization built from a proof payload
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// AuthorizationFrom maps a structured payload and its payer onto EIP-3009 fields
func AuthorizationFrom(payload x402.StructuredPayload, from string) (Authorization, error) {
	msg := payload.Message
	if !common.IsHexAddress(from) {
		return Authorization{}, fmt.Errorf("invalid payer address: %s", from)
	}
	if !common.IsHexAddress(msg.Recipient) {
		return Authorization{}, fmt.Errorf("invalid recipient address: %s", msg.Recipient)
	}
	value, err := x402.ParseAmount(msg.Amount)
	if err != nil {
		return Authorization{}, err
	}
	nonce, err := x402.NonceToBytes32(msg.Nonce)
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{
		From:        common.HexToAddress(from),
		To:          common.HexToAddress(msg.Recipient),
		Value:       value,
		ValidAfter:  big.NewInt(msg.ValidAfter),
		ValidBefore: big.NewInt(msg.ValidBefore),
		Nonce:       nonce,
	}, nil
}

// DomainOf converts the x402 signing domain to an EIP-712 domain
func DomainOf(domain x402.Domain) (TypedDataDomain, error) {
	chainID, err := domain.Network.ChainID()
	if err != nil {
		return TypedDataDomain{}, err
	}
	if domain.Name == "" || domain.Version == "" {
		return TypedDataDomain{}, fmt.Errorf("token name and version are required in the challenge extra")
	}
	if !common.IsHexAddress(domain.VerifyingContract) {
		return TypedDataDomain{}, fmt.Errorf("invalid asset address: %s", domain.VerifyingContract)
	}
	return TypedDataDomain{
		Name:              domain.Name,
		Version:           domain.Version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.HexToAddress(domain.VerifyingContract).Hex(),
	}, nil
}

// HashTransfer returns the EIP-712 digest of the TransferWithAuthorization
// that payload describes, with from as the payer
func HashTransfer(payload x402.StructuredPayload, from string) ([]byte, error) {
	domain, err := DomainOf(payload.Domain)
	if err != nil {
		return nil, err
	}
	auth, err := AuthorizationFrom(payload, from)
	if err != nil {
		return nil, err
	}

	types := map[string][]TypedDataField{
		"EIP712Domain":              domainFields,
		"TransferWithAuthorization": transferWithAuthorizationFields,
	}
	message := map[string]interface{}{
		"from":        auth.From.Hex(),
		"to":          auth.To.Hex(),
		"value":       auth.Value,
		"validAfter":  auth.ValidAfter,
		"validBefore": auth.ValidBefore,
		"nonce":       auth.Nonce[:],
	}
	return HashTypedData(domain, types, "TransferWithAuthorization", message)
}
