// Package ledger wraps connect, call, and transact primitives against one
// contract-bearing chain endpoint.
//
// The daemon talks to two independent ledgers (supply chain and transaction
// bridge); each gets its own Client. Read calls are ABI-packed eth_call
// queries, state changes are locally signed transactions that wait for
// inclusion before returning.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrConnection        = errors.New("ledger: endpoint unreachable")
	ErrInvalidPrivateKey = errors.New("ledger: invalid private key")
	ErrTransactionFailed = errors.New("ledger: transaction reverted")
	ErrTimeout           = errors.New("ledger: operation timed out")
)

// TxError wraps transaction failures with context
type TxError struct {
	Method string // Contract method that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Method, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Method, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultGasLimit when estimation fails
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout for waiting on transaction inclusion
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Config for creating a new ledger client
type Config struct {
	RPCURL     string
	PrivateKey string // Hex string, 0x prefix optional
	ChainID    int64
}

// Option configures the client
type Option func(*Client)

// WithClient sets a custom chain client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithConfirmationTimeout overrides the transact inclusion timeout
func WithConfirmationTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.confirmTimeout = d
	}
}

// WithReceiptPollInterval overrides the delay between receipt checks
func WithReceiptPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.receiptPoll = d
	}
}

// Client is one ledger session: an endpoint, a signing identity, and one
// deployed contract.
type Client struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	contract       *ContractInfo
	confirmTimeout time.Duration
	receiptPoll    time.Duration
}

// Connect creates a client bound to one deployed contract
func Connect(cfg Config, contract *ContractInfo, opts ...Option) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrConnection)
	}
	if contract == nil {
		return nil, fmt.Errorf("ledger: contract info required")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	c := &Client{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       contract,
		confirmTimeout: DefaultConfirmationTimeout,
		receiptPoll:    ConfirmationPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// Address returns the signing identity's address
func (c *Client) Address() string {
	return c.address.Hex()
}

// Contract returns the bound contract info
func (c *Client) Contract() *ContractInfo {
	return c.contract
}

// BlockNumber returns the current chain head
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return n, nil
}

// FilterLogs queries the chain for logs matching q
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return logs, nil
}

// Call executes a read-only contract query and unpacks the results
func (c *Client) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.contract.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to pack %s call: %w", method, err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract.Address,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", ErrConnection, method, err)
	}

	values, err := c.contract.ABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to unpack %s result: %w", method, err)
	}
	return values, nil
}

// Transact executes a state-changing contract method and waits for inclusion.
// It returns the mined receipt, or a *TxError on revert or timeout.
func (c *Client) Transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := c.contract.ABI.Pack(method, args...)
	if err != nil {
		return nil, &TxError{Method: method, Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &TxError{Method: method, Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Method: method, Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract.Address,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract.Address, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &TxError{Method: method, Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TxError{Method: method, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return c.waitMined(ctx, method, signedTx.Hash())
}

// waitMined polls for the transaction receipt until inclusion or timeout
func (c *Client) waitMined(ctx context.Context, method string, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Method: method, TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return nil, &TxError{Method: method, TxHash: hash.Hex(), Err: ctx.Err()}

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, &TxError{Method: method, TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}
			return receipt, nil
		}
	}
}

// Close closes the underlying client connection
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
