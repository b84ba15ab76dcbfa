package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/smartjects/platform/internal/circuitbreaker"
)

// Escrow agreement contract ABI. Agreements are keyed by a bytes32 external
// id; createAgreement escrows msg.value for the provider.
const escrowABI = `[
	{"inputs":[{"name":"agreementId","type":"bytes32"},{"name":"needer","type":"address"},{"name":"provider","type":"address"}],"name":"createAgreement","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"agreementId","type":"bytes32"}],"name":"acceptAgreement","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"agreementId","type":"bytes32"}],"name":"completeAgreement","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"agreementId","type":"bytes32"}],"name":"cancelAgreement","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"agreementId","type":"bytes32"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"agreementId","type":"bytes32"}],"name":"getAgreement","outputs":[{"name":"needer","type":"address"},{"name":"provider","type":"address"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"},{"name":"withdrawn","type":"bool"},{"name":"createdAt","type":"uint256"},{"name":"exists","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(300000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	// rpcBreakerKey is the circuit breaker key for the RPC endpoint.
	rpcBreakerKey = "escrow_rpc"
)

// On-chain uint8 status codes from the escrow contract.
const (
	chainStatusCreated uint8 = iota
	chainStatusAccepted
	chainStatusCompleted
	chainStatusCancelled
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Config for connecting to the escrow contract.
type Config struct {
	RPCURL         string
	PrivateKey     string // Hex string, 0x prefix optional
	ChainID        int64
	EscrowContract string
}

// Option configures the EthChain.
type Option func(*EthChain)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(e *EthChain) {
		e.client = client
	}
}

// EthChain talks to the deployed escrow agreement contract.
type EthChain struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	breaker    *circuitbreaker.Breaker
}

var _ Client = (*EthChain)(nil)

// NewEthChain creates a chain client bound to the escrow contract.
func NewEthChain(cfg Config, opts ...Option) (*EthChain, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletRequired, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrWalletRequired)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	e := &EthChain{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.EscrowContract),
		abi:        parsedABI,
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}

	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: private key must be 64 hex characters", ErrWalletRequired)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain ID required")
	}
	if cfg.EscrowContract == "" {
		return errors.New("escrow contract address required")
	}
	return nil
}

// WalletConnected reports whether the signing key is loaded.
func (e *EthChain) WalletConnected() bool {
	return e.privateKey != nil
}

// WalletAddress returns the deployer wallet address.
func (e *EthChain) WalletAddress() string {
	if e.privateKey == nil {
		return ""
	}
	return e.address.Hex()
}

// CreateAgreement deploys an agreement keyed by the contract id, escrowing
// the amount as transaction value.
func (e *EthChain) CreateAgreement(ctx context.Context, contractID, neederAddr, providerAddr string, amount *big.Int) (*TxRef, error) {
	id := common.HexToHash(ExternalID(contractID))
	data, err := e.abi.Pack("createAgreement", id, common.HexToAddress(neederAddr), common.HexToAddress(providerAddr))
	if err != nil {
		return nil, &OpError{Op: "create", Reason: err.Error(), Err: ErrTransactionFailed}
	}
	return e.submit(ctx, "create", data, amount)
}

// AcceptAgreement moves created → accepted.
func (e *EthChain) AcceptAgreement(ctx context.Context, contractID string) (*TxRef, error) {
	return e.submitSimple(ctx, "accept", "acceptAgreement", contractID)
}

// CompleteAgreement moves accepted → completed.
func (e *EthChain) CompleteAgreement(ctx context.Context, contractID string) (*TxRef, error) {
	return e.submitSimple(ctx, "complete", "completeAgreement", contractID)
}

// CancelAgreement refunds the needer and cancels the agreement.
func (e *EthChain) CancelAgreement(ctx context.Context, contractID string) (*TxRef, error) {
	return e.submitSimple(ctx, "cancel", "cancelAgreement", contractID)
}

// WithdrawEscrow pays the escrow out to the provider.
func (e *EthChain) WithdrawEscrow(ctx context.Context, contractID string) (*TxRef, error) {
	return e.submitSimple(ctx, "withdraw", "withdraw", contractID)
}

func (e *EthChain) submitSimple(ctx context.Context, op, method, contractID string) (*TxRef, error) {
	id := common.HexToHash(ExternalID(contractID))
	data, err := e.abi.Pack(method, id)
	if err != nil {
		return nil, &OpError{Op: op, Reason: err.Error(), Err: ErrTransactionFailed}
	}
	return e.submit(ctx, op, data, nil)
}

// submit builds, signs, and sends a transaction against the escrow contract.
func (e *EthChain) submit(ctx context.Context, op string, data []byte, value *big.Int) (*TxRef, error) {
	if e.privateKey == nil {
		return nil, &OpError{Op: op, Reason: "no signing key", Err: ErrWalletRequired}
	}
	if value == nil {
		value = big.NewInt(0)
	}
	if !e.breaker.Allow(rpcBreakerKey) {
		return nil, &OpError{Op: op, Reason: "RPC circuit open", Err: ErrRPCConnection}
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		e.breaker.RecordFailure(rpcBreakerKey)
		return nil, &OpError{Op: op, Reason: err.Error(), Err: ErrRPCConnection}
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		e.breaker.RecordFailure(rpcBreakerKey)
		return nil, &OpError{Op: op, Reason: err.Error(), Err: ErrRPCConnection}
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.address,
		To:    &e.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// An estimation revert is the contract rejecting the call. Map it
		// before spending gas on a doomed transaction.
		if mapped := mapRevert(err.Error()); mapped != ErrTransactionFailed {
			return nil, &OpError{Op: op, Reason: err.Error(), Err: mapped}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.contract, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
	if err != nil {
		return nil, &OpError{Op: op, Reason: err.Error(), Err: ErrTransactionFailed}
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		// A revert is the node answering; only transport failures count
		// against the breaker.
		if mapped := mapRevert(err.Error()); mapped == ErrTransactionFailed {
			e.breaker.RecordFailure(rpcBreakerKey)
		}
		return nil, &OpError{Op: op, TxHash: signedTx.Hash().Hex(), Reason: err.Error(), Err: mapRevert(err.Error())}
	}
	e.breaker.RecordSuccess(rpcBreakerKey)

	return &TxRef{Hash: signedTx.Hash().Hex(), Submitted: time.Now().UTC()}, nil
}

// GetAgreement reads the live agreement state from the contract.
func (e *EthChain) GetAgreement(ctx context.Context, contractID string) (*Agreement, error) {
	id := common.HexToHash(ExternalID(contractID))
	data, err := e.abi.Pack("getAgreement", id)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getAgreement call: %w", err)
	}

	if !e.breaker.Allow(rpcBreakerKey) {
		return nil, fmt.Errorf("%w: getAgreement: RPC circuit open", ErrRPCConnection)
	}

	result, err := e.client.CallContract(ctx, ethereum.CallMsg{
		To:   &e.contract,
		Data: data,
	}, nil)
	if err != nil {
		e.breaker.RecordFailure(rpcBreakerKey)
		return nil, fmt.Errorf("%w: getAgreement: %v", ErrRPCConnection, err)
	}
	e.breaker.RecordSuccess(rpcBreakerKey)

	out, err := e.abi.Unpack("getAgreement", result)
	if err != nil || len(out) != 7 {
		return nil, fmt.Errorf("failed to unpack getAgreement result: %w", err)
	}

	exists, _ := out[6].(bool)
	if !exists {
		return nil, ErrAgreementNotFound
	}

	needer, _ := out[0].(common.Address)
	provider, _ := out[1].(common.Address)
	amount, _ := out[2].(*big.Int)
	statusCode, _ := out[3].(uint8)
	withdrawn, _ := out[4].(bool)
	createdAt, _ := out[5].(*big.Int)

	ag := &Agreement{
		ExternalID:   id.Hex(),
		NeederAddr:   needer.Hex(),
		ProviderAddr: provider.Hex(),
		Amount:       amount,
		Status:       statusFromCode(statusCode),
		Withdrawn:    withdrawn,
	}
	if createdAt != nil && createdAt.IsInt64() {
		ag.CreatedAt = time.Unix(createdAt.Int64(), 0).UTC()
	}
	return ag, nil
}

// WaitMined polls for the transaction receipt until the budget is exhausted.
func (e *EthChain) WaitMined(ctx context.Context, txHash string, budget time.Duration) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrPendingConfirmation, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := e.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep polling.
				continue
			}

			if receipt.Status == 0 {
				return nil, &OpError{Op: "confirm", TxHash: txHash, Reason: "transaction reverted", Err: ErrTransactionFailed}
			}

			return &Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Close closes the RPC connection.
func (e *EthChain) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}

func statusFromCode(code uint8) Status {
	switch code {
	case chainStatusCreated:
		return StatusCreated
	case chainStatusAccepted:
		return StatusAccepted
	case chainStatusCompleted:
		return StatusCompleted
	case chainStatusCancelled:
		return StatusCancelled
	}
	return ""
}

// mapRevert translates contract revert messages into taxonomy sentinels.
func mapRevert(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "already exists"):
		return ErrAlreadyExists
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "not found"):
		return ErrAgreementNotFound
	case strings.Contains(lower, "invalid status"), strings.Contains(lower, "wrong status"), strings.Contains(lower, "invalid state"):
		return ErrInvalidTransition
	case strings.Contains(lower, "not authorized"), strings.Contains(lower, "only needer"), strings.Contains(lower, "only provider"):
		return ErrUnauthorized
	}
	return ErrTransactionFailed
}
