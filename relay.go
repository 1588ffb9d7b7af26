package didpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type FeeParams struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// OperationHandle identifies a submitted operation until it is included.
type OperationHandle struct {
	UserOpHash common.Hash
	Sender     common.Address
	Nonce      *big.Int
}

type TransactionReceipt struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
	BlockHash       common.Hash  `json:"blockHash"`
}

// Receipt is the bundler's report of an included user operation.
type Receipt struct {
	UserOpHash    common.Hash        `json:"userOpHash"`
	Sender        common.Address     `json:"sender"`
	Nonce         *hexutil.Big       `json:"nonce"`
	Success       bool               `json:"success"`
	Reason        string             `json:"reason,omitempty"`
	ActualGasCost *hexutil.Big       `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big       `json:"actualGasUsed"`
	Receipt       TransactionReceipt `json:"receipt"`
}

// Relay submits account operations and reports their inclusion.
// Implementations must be safe for concurrent use.
type Relay interface {
	EstimateFee(ctx context.Context) (FeeParams, error)
	Submit(ctx context.Context, account SmartAccount, calls []Call, nonce *big.Int, fee FeeParams) (*OperationHandle, error)
	// Await blocks until the operation is included or ctx is done
	Await(ctx context.Context, handle *OperationHandle) (*Receipt, error)
}

// CodeReader reports deployed contract code. *ethclient.Client implements it.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

type BundlerConfig struct {
	EntryPoint   common.Address
	ChainID      *big.Int
	PollInterval time.Duration
	// optional; without it accounts are assumed to be deployed
	Code CodeReader
}

// BundlerClient is a Relay speaking the ERC-4337 bundler JSON-RPC API.
type BundlerClient struct {
	rpc    *rpc.Client
	config BundlerConfig
	logger *slog.Logger
}

var _ Relay = (*BundlerClient)(nil)

func NewBundlerClient(client *rpc.Client, config BundlerConfig, logger *slog.Logger) *BundlerClient {
	if logger == nil {
		logger = slog.Default()
	}
	if config.EntryPoint == (common.Address{}) {
		config.EntryPoint = EntryPointV07
	}
	if config.ChainID == nil {
		config.ChainID = new(big.Int)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	return &BundlerClient{
		rpc:    client,
		config: config,
		logger: logger.With("component", "bundler"),
	}
}

// DialBundler connects to a bundler endpoint through an instrumented HTTP transport.
func DialBundler(ctx context.Context, url string, config BundlerConfig, logger *slog.Logger) (*BundlerClient, error) {
	hc := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("dialing bundler: %w", err)
	}
	return NewBundlerClient(client, config, logger), nil
}

func (b *BundlerClient) Close() {
	b.rpc.Close()
}

func submissionError(op string, err error) error {
	if errors.Is(err, ErrSubmissionError) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrSubmissionError, op, err)
}

type gasPrice struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// EstimateFee uses the "fast" tier of pimlico_getUserOperationGasPrice.
func (b *BundlerClient) EstimateFee(ctx context.Context) (FeeParams, error) {
	var tiers struct {
		Slow     gasPrice `json:"slow"`
		Standard gasPrice `json:"standard"`
		Fast     gasPrice `json:"fast"`
	}
	if err := b.rpc.CallContext(ctx, &tiers, "pimlico_getUserOperationGasPrice"); err != nil {
		return FeeParams{}, submissionError("fee estimation", err)
	}
	if tiers.Fast.MaxFeePerGas == nil || tiers.Fast.MaxPriorityFeePerGas == nil {
		return FeeParams{}, submissionError("fee estimation", errors.New("bundler returned no fast gas price"))
	}
	return FeeParams{
		MaxFeePerGas:         tiers.Fast.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: tiers.Fast.MaxPriorityFeePerGas.ToInt(),
	}, nil
}

type gasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit"`
}

// Submit builds, estimates, signs and sends a user operation executing calls from account.
func (b *BundlerClient) Submit(ctx context.Context, account SmartAccount, calls []Call, nonce *big.Int, fee FeeParams) (*OperationHandle, error) {
	op, err := b.BuildUserOperation(ctx, account, calls, nonce, fee)
	if err != nil {
		return nil, err
	}
	hash, err := op.Hash(b.config.EntryPoint, b.config.ChainID)
	if err != nil {
		return nil, submissionError("hashing", err)
	}
	sig, err := account.SignUserOperationHash(ctx, op, hash)
	if err != nil {
		return nil, submissionError("signing", err)
	}
	op.Signature = sig

	var sent common.Hash
	if err := b.rpc.CallContext(ctx, &sent, "eth_sendUserOperation", op, b.config.EntryPoint); err != nil {
		return nil, submissionError("send", err)
	}
	if sent != hash {
		b.logger.Warn("bundler reported unexpected user operation hash", "expected", hash, "got", sent)
	}
	b.logger.Info("user operation submitted", "sender", op.Sender, "nonce", nonce, "hash", sent)
	return &OperationHandle{UserOpHash: sent, Sender: op.Sender, Nonce: nonce}, nil
}

// BuildUserOperation assembles an unsigned operation with gas limits filled in by the bundler.
func (b *BundlerClient) BuildUserOperation(ctx context.Context, account SmartAccount, calls []Call, nonce *big.Int, fee FeeParams) (*UserOperation, error) {
	callData, err := account.EncodeCalls(calls)
	if err != nil {
		return nil, submissionError("encoding calls", err)
	}
	op := &UserOperation{
		Sender:               account.Address(),
		Nonce:                (*hexutil.Big)(nonce),
		CallData:             callData,
		MaxFeePerGas:         (*hexutil.Big)(fee.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(fee.MaxPriorityFeePerGas),
		Signature:            account.StubSignature(),
	}

	deployed, err := b.isDeployed(ctx, op.Sender)
	if err != nil {
		return nil, submissionError("checking deployment", err)
	}
	if !deployed {
		factory, data, err := account.FactoryData()
		if err != nil {
			return nil, submissionError("factory data", err)
		}
		op.Factory = &factory
		op.FactoryData = data
	}

	var est gasEstimate
	if err := b.rpc.CallContext(ctx, &est, "eth_estimateUserOperationGas", op, b.config.EntryPoint); err != nil {
		return nil, submissionError("gas estimation", err)
	}
	op.PreVerificationGas = est.PreVerificationGas
	op.VerificationGasLimit = est.VerificationGasLimit
	op.CallGasLimit = est.CallGasLimit
	return op, nil
}

func (b *BundlerClient) isDeployed(ctx context.Context, addr common.Address) (bool, error) {
	if b.config.Code == nil {
		return true, nil
	}
	code, err := b.config.Code.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// Await polls eth_getUserOperationReceipt. A reverted operation is an error.
func (b *BundlerClient) Await(ctx context.Context, handle *OperationHandle) (*Receipt, error) {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()
	for {
		var receipt *Receipt
		if err := b.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", handle.UserOpHash); err != nil {
			if ctx.Err() != nil {
				return nil, submissionError("awaiting inclusion", ctx.Err())
			}
			return nil, submissionError("receipt", err)
		}
		if receipt != nil {
			if !receipt.Success {
				return receipt, submissionError("execution", fmt.Errorf("user operation %s reverted: %s", handle.UserOpHash, receipt.Reason))
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, submissionError("awaiting inclusion", ctx.Err())
		case <-ticker.C:
		}
	}
}
