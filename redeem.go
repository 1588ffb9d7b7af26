package didpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DelegationManagerAddress is the canonical delegation manager deployment.
var DelegationManagerAddress = common.HexToAddress("0xdb9B1e94B5b69Df7e401DDbedE43491141047dB3")

type ExecutorConfig struct {
	DelegationManager common.Address
	InclusionTimeout  time.Duration
	// defaults to a NonceAllocator
	Nonces NonceSource
	// optional; receives every finished redemption
	Sink RedemptionSink
}

// Redemption describes one submitted redemption and its outcome.
type Redemption struct {
	Seq            int64
	DelegationCIDs []string
	Delegators     []common.Address
	Amount         *big.Int
	Nonce          *big.Int
	UserOpHash     common.Hash
	TxHash         common.Hash
	Success        bool
	Error          string
	SubmittedAt    time.Time
	SettledAt      time.Time
}

type RedemptionSink interface {
	RecordRedemption(ctx context.Context, r *Redemption)
}

// Executor redeems payment delegations into the provider's own account
// through a relay. It never retries: a failed redemption is reported, and the
// caller decides whether to start a new challenge cycle.
type Executor struct {
	account  SmartAccount
	relay    Relay
	inflight *InFlight
	config   ExecutorConfig
	logger   *slog.Logger
}

func NewExecutor(account SmartAccount, relay Relay, config ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DelegationManager == (common.Address{}) {
		config.DelegationManager = DelegationManagerAddress
	}
	if config.InclusionTimeout <= 0 {
		config.InclusionTimeout = 2 * time.Minute
	}
	if config.Nonces == nil {
		config.Nonces = NewNonceAllocator()
	}
	return &Executor{
		account:  account,
		relay:    relay,
		inflight: NewInFlight(0),
		config:   config,
		logger:   logger.With("component", "executor"),
	}
}

func (e *Executor) Account() SmartAccount {
	return e.account
}

func (e *Executor) InFlight() *InFlight {
	return e.inflight
}

// ExtractDelegations decodes the payment delegation of every credential in vp.
func ExtractDelegations(vp *Presentation) ([]*PaymentDelegation, error) {
	if vp == nil || len(vp.VerifiableCredential) == 0 {
		return nil, fmt.Errorf("%w: presentation carries no credentials", ErrInvalidSigningInput)
	}
	out := make([]*PaymentDelegation, 0, len(vp.VerifiableCredential))
	for i, vc := range vp.VerifiableCredential {
		pd, err := DecodePaymentDelegation(vc.CredentialSubject)
		if err != nil {
			return nil, fmt.Errorf("credential %d: %w", i, err)
		}
		out = append(out, pd)
	}
	return out, nil
}

// Redeem extracts the delegations of a verified presentation and redeems them
// in a single relayed operation, blocking until inclusion.
func (e *Executor) Redeem(ctx context.Context, vp *Presentation) (*Receipt, error) {
	delegations, err := ExtractDelegations(vp)
	if err != nil {
		return nil, err
	}
	return e.RedeemDelegations(ctx, delegations)
}

func redemptionFailed(err error) error {
	if errors.Is(err, ErrRedemptionFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRedemptionFailed, err)
}

// RedemptionCalls builds the account calls redeeming delegations: one
// redeemDelegations call with one single-mode execution per delegation, each
// transferring the delegation's amount to the provider account.
func (e *Executor) RedemptionCalls(delegations []*PaymentDelegation) ([]Call, error) {
	provider := e.account.Address()
	chains := make([][]Delegation, len(delegations))
	executions := make([]Call, len(delegations))
	for i, pd := range delegations {
		d := pd.Delegation
		if d.Delegate != provider && d.Delegate != AnyDelegate {
			return nil, fmt.Errorf("%w: delegation %d is granted to %s, not %s", ErrInvalidSigningInput, i, d.Delegate.Hex(), provider.Hex())
		}
		chains[i] = []Delegation{d}
		executions[i] = Call{To: provider, Value: pd.Amount.ToInt(), Data: []byte{}}
	}
	data, err := EncodeRedeemDelegations(chains, executions)
	if err != nil {
		return nil, err
	}
	return []Call{{To: e.config.DelegationManager, Value: new(big.Int), Data: data}}, nil
}

func (e *Executor) RedeemDelegations(ctx context.Context, delegations []*PaymentDelegation) (*Receipt, error) {
	if len(delegations) == 0 {
		return nil, fmt.Errorf("%w: no delegations", ErrInvalidSigningInput)
	}
	calls, err := e.RedemptionCalls(delegations)
	if err != nil {
		return nil, err
	}

	rec := &Redemption{Amount: new(big.Int)}
	var nonceKey *big.Int
	for _, pd := range delegations {
		rec.DelegationCIDs = append(rec.DelegationCIDs, pd.Delegation.CID().String())
		rec.Delegators = append(rec.Delegators, pd.Delegation.Delegator)
		rec.Amount.Add(rec.Amount, pd.Amount.ToInt())
		if nonceKey == nil && pd.NonceKey != nil {
			nonceKey = pd.NonceKey.ToInt()
		}
	}
	seq, ok := e.inflight.Add(rec.DelegationCIDs)
	if !ok {
		return nil, redemptionFailed(ErrDelegationInFlight)
	}
	rec.Seq = seq
	defer e.inflight.Remove(rec.DelegationCIDs, rec.Seq)

	logger := e.logger.With("seq", rec.Seq, "delegations", rec.DelegationCIDs)
	receipt, err := e.submit(ctx, rec, calls, nonceKey)
	rec.SettledAt = time.Now()
	if err != nil {
		rec.Error = err.Error()
		logger.Warn("redemption failed", "err", err)
	} else {
		rec.Success = true
		logger.Info("redemption included", "userOpHash", rec.UserOpHash, "tx", rec.TxHash, "amount", rec.Amount)
	}
	if e.config.Sink != nil {
		e.config.Sink.RecordRedemption(ctx, rec)
	}
	if err != nil {
		return receipt, redemptionFailed(err)
	}
	return receipt, nil
}

func (e *Executor) submit(ctx context.Context, rec *Redemption, calls []Call, nonceKey *big.Int) (*Receipt, error) {
	nonce, err := e.config.Nonces.NextNonce(e.account.Address(), nonceKey)
	if err != nil {
		return nil, err
	}
	rec.Nonce = nonce

	fee, err := e.relay.EstimateFee(ctx)
	if err != nil {
		return nil, err
	}
	rec.SubmittedAt = time.Now()
	handle, err := e.relay.Submit(ctx, e.account, calls, nonce, fee)
	if err != nil {
		return nil, err
	}
	rec.UserOpHash = handle.UserOpHash

	actx, cancel := context.WithTimeout(ctx, e.config.InclusionTimeout)
	defer cancel()
	receipt, err := e.relay.Await(actx, handle)
	if receipt != nil {
		rec.TxHash = receipt.Receipt.TransactionHash
	}
	return receipt, err
}

// DeployAccount submits the zero-value self call whose only effect is the
// first on-chain deployment of the provider account.
func (e *Executor) DeployAccount(ctx context.Context) (*Receipt, error) {
	nonce, err := e.config.Nonces.NextNonce(e.account.Address(), nil)
	if err != nil {
		return nil, err
	}
	fee, err := e.relay.EstimateFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("deploying account: %w", err)
	}
	handle, err := e.relay.Submit(ctx, e.account, []Call{NoOpCall(e.account)}, nonce, fee)
	if err != nil {
		return nil, fmt.Errorf("deploying account: %w", err)
	}
	actx, cancel := context.WithTimeout(ctx, e.config.InclusionTimeout)
	defer cancel()
	receipt, err := e.relay.Await(actx, handle)
	if err != nil {
		return receipt, fmt.Errorf("deploying account: %w", err)
	}
	e.logger.Info("account deployed", "account", e.account.Address(), "tx", receipt.Receipt.TransactionHash)
	return receipt, nil
}
