// Package chain anchors ledger records on an EVM chain through a minimal
// recorder contract.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/trustbank/internal/circuitbreaker"
	"github.com/mbd888/trustbank/internal/ledger"
	"github.com/mbd888/trustbank/internal/traces"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidContract   = errors.New("chain: invalid contract address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrCircuitOpen       = errors.New("chain: RPC circuit open")
	ErrReverted          = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: timed out waiting for receipt")
	ErrEventMissing      = errors.New("chain: TransactionRecorded event not found")
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// recorderABI is the anchor contract surface.
const recorderABI = `[
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"digest","type":"bytes32"},{"name":"amount","type":"uint256"}],"name":"recordTransaction","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"bytes32"},{"indexed":false,"name":"digest","type":"bytes32"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"TransactionRecorded","type":"event"}
]`

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(120000)

	// DefaultConfirmTimeout bounds Validate.
	DefaultConfirmTimeout = 30 * time.Second

	// DefaultPollInterval is the gap between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// Config for connecting an anchor.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x
	ChainID        int64
	Contract       string
	ConfirmTimeout time.Duration
}

// Option configures the anchor.
type Option func(*Anchor)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(a *Anchor) {
		a.client = client
	}
}

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(a *Anchor) {
		a.pollInterval = d
	}
}

// WithBreaker sets the circuit breaker guarding RPC calls.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Anchor) {
		a.breaker = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Anchor) {
		a.logger = l
	}
}

// Anchor records transaction digests on chain. It implements ledger.Chain.
type Anchor struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	contract       common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
	pollInterval   time.Duration
	breaker        *circuitbreaker.Breaker
	breakerKey     string
	logger         *slog.Logger
}

var _ ledger.Chain = (*Anchor)(nil)

// New creates an anchor and dials the RPC endpoint unless a client is given.
func New(cfg Config, opts ...Option) (*Anchor, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(recorderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse recorder ABI: %w", err)
	}

	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	a := &Anchor{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.Contract),
		abi:            parsedABI,
		confirmTimeout: timeout,
		pollInterval:   DefaultPollInterval,
		breakerKey:     rpcHost(cfg.RPCURL),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.breaker == nil {
		a.breaker = circuitbreaker.New("ledger_rpc", 5, 30*time.Second)
	}

	if a.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		a.client = client
	}
	return a, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID <= 0 {
		return fmt.Errorf("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return ErrInvalidContract
	}
	return nil
}

func rpcHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "rpc"
	}
	return u.Host
}

// Address returns the signer address.
func (a *Anchor) Address() string {
	return a.address.Hex()
}

// Submit signs and sends recordTransaction for tx. When sending fails after
// signing, the returned receipt still carries the transaction hash.
func (a *Anchor) Submit(ctx context.Context, tx *ledger.Transaction) (_ *ledger.Receipt, retErr error) {
	ctx, span := traces.StartSpan(ctx, "chain.Submit", traces.TransactionID(tx.ID))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if !a.breaker.Allow(a.breakerKey) {
		return nil, ErrCircuitOpen
	}

	digest := tx.Digest()
	data, err := a.abi.Pack("recordTransaction", anchorID(tx.ID), digest, big.NewInt(tx.AmountPaise))
	if err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	receipt := &ledger.Receipt{Digest: common.Bytes2Hex(digest[:])}

	nonce, err := a.client.PendingNonceAt(ctx, a.address)
	if err != nil {
		a.breaker.RecordFailure(a.breakerKey)
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		a.breaker.RecordFailure(a.breakerKey)
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  a.address,
		To:    &a.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	signed, err := types.SignTx(
		types.NewTransaction(nonce, a.contract, big.NewInt(0), gasLimit, gasPrice, data),
		types.NewEIP155Signer(a.chainID), a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	receipt.TxHash = signed.Hash().Hex()
	span.SetAttributes(traces.ChainTxHash(receipt.TxHash))

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		a.breaker.RecordFailure(a.breakerKey)
		return receipt, fmt.Errorf("send: %w", err)
	}
	a.breaker.RecordSuccess(a.breakerKey)

	a.logger.Info("anchor submitted", "transaction_id", tx.ID, "tx_hash", receipt.TxHash, "nonce", nonce)
	return receipt, nil
}

// Validate waits for r to be mined and checks that it succeeded and emitted
// TransactionRecorded with the expected digest. The returned validation log
// is populated on failure too.
func (a *Anchor) Validate(ctx context.Context, r *ledger.Receipt) (_ *ledger.Validation, retErr error) {
	ctx, span := traces.StartSpan(ctx, "chain.Validate", traces.ChainTxHash(r.TxHash))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	v := &ledger.Validation{Log: []string{"submitted " + r.TxHash}}

	mined, err := a.waitMined(ctx, common.HexToHash(r.TxHash))
	if err != nil {
		v.Log = append(v.Log, err.Error())
		return v, err
	}
	v.BlockNumber = mined.BlockNumber.Uint64()
	v.GasUsed = mined.GasUsed
	v.Log = append(v.Log, fmt.Sprintf("mined in block %d, gas used %d", v.BlockNumber, v.GasUsed))

	if mined.Status != types.ReceiptStatusSuccessful {
		v.Log = append(v.Log, "receipt status 0")
		return v, ErrReverted
	}
	v.Log = append(v.Log, "receipt status 1")

	if !a.hasRecordedEvent(mined, r.Digest) {
		v.Log = append(v.Log, "no matching TransactionRecorded event")
		return v, ErrEventMissing
	}
	v.Log = append(v.Log, "TransactionRecorded digest "+r.Digest)
	return v, nil
}

// waitMined polls for a receipt until it exists or the confirm timeout passes.
func (a *Anchor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := a.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			return receipt, nil
		}
	}
}

func (a *Anchor) hasRecordedEvent(receipt *types.Receipt, digestHex string) bool {
	event, ok := a.abi.Events["TransactionRecorded"]
	if !ok {
		return false
	}
	want := common.FromHex(digestHex)

	for _, l := range receipt.Logs {
		if l.Address != a.contract || len(l.Topics) < 2 || l.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(values) != 2 {
			continue
		}
		digest, ok := values[0].([32]byte)
		if ok && bytes.Equal(digest[:], want) {
			return true
		}
	}
	return false
}

// Close closes the client connection.
func (a *Anchor) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

// anchorID maps a transaction ID onto the contract's bytes32 key.
func anchorID(id string) [32]byte {
	return crypto.Keccak256Hash([]byte(id))
}

// Bind builds the ledger binding from cfg. Any missing or invalid setting,
// or a failed dial, yields an Unconfigured binding with the reason.
func Bind(cfg Config, logger *slog.Logger, opts ...Option) ledger.Binding {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RPCURL == "" || cfg.PrivateKey == "" || cfg.Contract == "" || cfg.ChainID == 0 {
		reason := "ledger settings incomplete"
		logger.Info("external ledger not configured", "reason", reason)
		return ledger.Unconfigured(reason)
	}

	opts = append([]Option{WithLogger(logger)}, opts...)
	a, err := New(cfg, opts...)
	if err != nil {
		logger.Warn("external ledger unavailable", "error", err)
		return ledger.Unconfigured(err.Error())
	}
	logger.Info("external ledger bound", "signer", a.Address(), "contract", cfg.Contract, "chain_id", cfg.ChainID)
	return ledger.Configured(a)
}
