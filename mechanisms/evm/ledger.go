package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/x402-foundation/paygate"
)

const (
	// FunctionTransferWithAuthorization is the EIP-3009 settlement entry point
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	// FunctionBalanceOf is the ERC-20 balance query
	FunctionBalanceOf = "balanceOf"

	transferWithAuthorizationABI = `[{
		"type": "function",
		"name": "transferWithAuthorization",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": [],
		"constant": false
	}]`

	balanceOfABI = `[{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"constant": true
	}]`
)

// EthClient is the subset of ethclient.Client the ledger uses
type EthClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// NewEthClient creates a new Ethereum client. This function can be overridden in tests.
var NewEthClient = func(rpcURL string) (EthClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// LedgerConfig configures an EthLedger
type LedgerConfig struct {
	RPCURL string
	// ChainID the ledger submits to; payloads for other chains are refused
	ChainID int64
	// PrivateKey of the account paying gas for settlement transactions
	PrivateKey string
	// GasLimitCap refuses settlements whose estimate exceeds it. Zero disables the cap.
	GasLimitCap uint64
}

// EthLedger settles EIP-3009 authorizations by calling transferWithAuthorization
// on the token contract from a gas-paying facilitator account
type EthLedger struct {
	client      EthClient
	chainID     *big.Int
	key         *ecdsa.PrivateKey
	address     common.Address
	gasLimitCap uint64
	transferABI abi.ABI
	balanceABI  abi.ABI

	// held from the pending nonce read until the transaction is sent
	sendMu sync.Mutex
}

// NewEthLedger dials the RPC endpoint and prepares the settlement account
func NewEthLedger(cfg LedgerConfig) (*EthLedger, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("settlement private key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement private key: %w", err)
	}
	client, err := NewEthClient(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial Ethereum RPC client: %w", err)
	}
	return newEthLedger(client, cfg.ChainID, key, cfg.GasLimitCap)
}

func newEthLedger(client EthClient, chainID int64, key *ecdsa.PrivateKey, gasLimitCap uint64) (*EthLedger, error) {
	transferABI, err := abi.JSON(strings.NewReader(transferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	balABI, err := abi.JSON(strings.NewReader(balanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse balanceOf ABI: %w", err)
	}
	return &EthLedger{
		client:      client,
		chainID:     big.NewInt(chainID),
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		gasLimitCap: gasLimitCap,
		transferABI: transferABI,
		balanceABI:  balABI,
	}, nil
}

// Address returns the gas-paying settlement account
func (l *EthLedger) Address() string {
	return l.address.Hex()
}

// Submit sends the transferWithAuthorization transaction and returns its hash
func (l *EthLedger) Submit(ctx context.Context, transfer x402.SignedTransfer) (string, error) {
	chainID, err := transfer.Payload.Domain.Network.ChainID()
	if err != nil {
		return "", err
	}
	if chainID != l.chainID.Int64() {
		return "", fmt.Errorf("ledger is on chain %s, payload is for chain %d", l.chainID, chainID)
	}
	if len(transfer.Signature) != 65 {
		return "", fmt.Errorf("invalid signature length: %d", len(transfer.Signature))
	}

	auth, err := AuthorizationFrom(transfer.Payload, transfer.SignerIdentity)
	if err != nil {
		return "", err
	}

	var r, s [32]byte
	copy(r[:], transfer.Signature[0:32])
	copy(s[:], transfer.Signature[32:64])
	v := transfer.Signature[64]
	// Convert the V value of the signature if necessary (0/1 → 27/28)
	if v == 0 || v == 1 {
		v += 27
	}

	txData, err := l.transferABI.Pack(FunctionTransferWithAuthorization,
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer: %w", err)
	}

	contract := common.HexToAddress(transfer.Payload.Domain.VerifyingContract)

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	txNonce, err := l.client.PendingNonceAt(ctx, l.address)
	if err != nil {
		return "", fmt.Errorf("failed to get pending nonce: %w", err)
	}
	gasTipCap, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}
	header, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get block header: %w", err)
	}
	if header.BaseFee == nil {
		return "", fmt.Errorf("block header missing base fee: network may not support EIP-1559")
	}

	// 2x base fee + tip
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), gasTipCap)

	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From: l.address,
		To:   &contract,
		Data: txData,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100
	if l.gasLimitCap > 0 && gasLimit > l.gasLimitCap {
		return "", fmt.Errorf("gas estimate %d exceeds cap %d", gasLimit, l.gasLimitCap)
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     txNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &contract,
		Value:     big.NewInt(0),
		Data:      txData,
	})
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewLondonSigner(l.chainID), l.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// Confirm reads the receipt of a submitted transaction. A missing receipt is
// reported as not yet confirmed.
func (l *EthLedger) Confirm(ctx context.Context, ref string) (x402.LedgerStatus, error) {
	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if errors.Is(err, ethereum.NotFound) {
		return x402.LedgerStatus{}, nil
	}
	if err != nil {
		return x402.LedgerStatus{}, fmt.Errorf("failed to get receipt: %w", err)
	}

	status := x402.LedgerStatus{Confirmed: receipt.Status == ethtypes.ReceiptStatusSuccessful}
	status.Failed = !status.Confirmed
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return status, nil
}

// BalanceOf returns the token balance of owner
func (l *EthLedger) BalanceOf(ctx context.Context, asset, owner string) (*big.Int, error) {
	if !common.IsHexAddress(asset) || !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("invalid address")
	}
	data, err := l.balanceABI.Pack(FunctionBalanceOf, common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call data: %w", err)
	}
	contract := common.HexToAddress(asset)
	result, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get token balance: %w", err)
	}
	if len(result) != 32 {
		return nil, fmt.Errorf("failed to get token balance: result is %d bytes", len(result))
	}
	return new(big.Int).SetBytes(result), nil
}

var (
	_ x402.Ledger        = (*EthLedger)(nil)
	_ x402.BalanceReader = (*EthLedger)(nil)
)
