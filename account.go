package didpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SmartAccount is the construction and call-encoding surface of a programmable account.
type SmartAccount interface {
	// counterfactual address; stable before and after deployment
	Address() common.Address
	// EncodeCalls returns the account calldata executing calls in one operation
	EncodeCalls(calls []Call) ([]byte, error)
	// FactoryData returns the factory and its calldata for first deployment
	FactoryData() (common.Address, []byte, error)
	StubSignature() []byte
	SignUserOperationHash(ctx context.Context, op *UserOperation, hash common.Hash) ([]byte, error)
}

const accountABIJSON = `[
	{"type": "function", "name": "execute", "stateMutability": "payable",
	 "inputs": [{"name": "mode", "type": "bytes32"}, {"name": "executionCalldata", "type": "bytes"}], "outputs": []},
	{"type": "function", "name": "initialize", "stateMutability": "nonpayable",
	 "inputs": [{"name": "owner", "type": "address"}, {"name": "keyIds", "type": "string[]"},
	            {"name": "xValues", "type": "uint256[]"}, {"name": "yValues", "type": "uint256[]"}], "outputs": []}
]`

const factoryABIJSON = `[
	{"type": "function", "name": "deploy", "stateMutability": "nonpayable",
	 "inputs": [{"name": "creationCode", "type": "bytes"}, {"name": "salt", "type": "bytes32"}],
	 "outputs": [{"name": "addr", "type": "address"}]}
]`

var (
	accountABI = mustABI(accountABIJSON)
	factoryABI = mustABI(factoryABIJSON)

	proxyArgs = abi.Arguments{{Type: mustType("address", nil)}, {Type: mustType("bytes", nil)}}

	batchType = mustType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "callData", Type: "bytes"},
	})
)

type HybridAccountConfig struct {
	ChainID *big.Int
	// defaults to EntryPointV07
	EntryPoint common.Address
	// key manager entry of the account owner
	OwnerKID string
	Owner    common.Address
	Salt     common.Hash

	Factory           common.Address
	Implementation    common.Address
	ProxyCreationCode []byte

	// known address of an already deployed account; skips the CREATE2 derivation
	Address common.Address

	// sign the raw user operation hash (EIP-191) instead of EIP-712 typed data
	SignRawHash bool
}

// HybridAccount is an owner-controlled ERC-7579 account deployed as an
// ERC-1967 proxy through a CREATE2 factory. Signing goes through a key
// manager, so the process never holds the owner key unless the manager does.
type HybridAccount struct {
	config  HybridAccountConfig
	signer  PresentationSigner
	address common.Address
}

var _ SmartAccount = (*HybridAccount)(nil)

func NewHybridAccount(config HybridAccountConfig, signer PresentationSigner) (*HybridAccount, error) {
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, errors.New("hybrid account: chain id required")
	}
	if config.Owner == (common.Address{}) {
		return nil, errors.New("hybrid account: owner required")
	}
	if config.EntryPoint == (common.Address{}) {
		config.EntryPoint = EntryPointV07
	}
	a := &HybridAccount{config: config, signer: signer, address: config.Address}
	if a.address == (common.Address{}) {
		if len(config.ProxyCreationCode) == 0 || config.Factory == (common.Address{}) || config.Implementation == (common.Address{}) {
			return nil, errors.New("hybrid account: either an address or factory, implementation and proxy code are required")
		}
		code, err := a.creationCode()
		if err != nil {
			return nil, err
		}
		a.address = crypto.CreateAddress2(config.Factory, config.Salt, crypto.Keccak256(code))
	}
	return a, nil
}

func (a *HybridAccount) Address() common.Address {
	return a.address
}

func (a *HybridAccount) creationCode() ([]byte, error) {
	init, err := accountABI.Pack("initialize", a.config.Owner, []string{}, []*big.Int{}, []*big.Int{})
	if err != nil {
		return nil, err
	}
	args, err := proxyArgs.Pack(a.config.Implementation, init)
	if err != nil {
		return nil, err
	}
	return append(bytes.Clone(a.config.ProxyCreationCode), args...), nil
}

func (a *HybridAccount) FactoryData() (common.Address, []byte, error) {
	if len(a.config.ProxyCreationCode) == 0 {
		return common.Address{}, nil, fmt.Errorf("%w: account %s has no deployment parameters", ErrUnsupportedOperation, a.address.Hex())
	}
	code, err := a.creationCode()
	if err != nil {
		return common.Address{}, nil, err
	}
	data, err := factoryABI.Pack("deploy", code, a.config.Salt)
	if err != nil {
		return common.Address{}, nil, err
	}
	return a.config.Factory, data, nil
}

type abiExecution struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// EncodeCalls encodes ERC-7579 execute: single mode for one call, batch mode otherwise.
func (a *HybridAccount) EncodeCalls(calls []Call) ([]byte, error) {
	switch len(calls) {
	case 0:
		return nil, fmt.Errorf("%w: no calls", ErrInvalidSigningInput)
	case 1:
		return accountABI.Pack("execute", ModeSingleDefault, EncodeSingleExecution(calls[0]))
	}
	batch := make([]abiExecution, len(calls))
	for i, c := range calls {
		value := c.Value
		if value == nil {
			value = new(big.Int)
		}
		batch[i] = abiExecution{Target: c.To, Value: value, CallData: nonNil(c.Data)}
	}
	packed, err := abi.Arguments{{Type: batchType}}.Pack(batch)
	if err != nil {
		return nil, err
	}
	return accountABI.Pack("execute", ModeBatchDefault, packed)
}

// NoOpCall is the zero-value self call used only to trigger first deployment.
func NoOpCall(account SmartAccount) Call {
	return Call{To: account.Address(), Value: new(big.Int), Data: []byte{}}
}

func (a *HybridAccount) StubSignature() []byte {
	sig := bytes.Repeat([]byte{0xff}, 65)
	sig[64] = 0x1c
	return sig
}

var packedUserOpFields = []map[string]string{
	{"name": "sender", "type": "address"},
	{"name": "nonce", "type": "uint256"},
	{"name": "initCode", "type": "bytes"},
	{"name": "callData", "type": "bytes"},
	{"name": "accountGasLimits", "type": "bytes32"},
	{"name": "preVerificationGas", "type": "uint256"},
	{"name": "gasFees", "type": "bytes32"},
	{"name": "paymasterAndData", "type": "bytes"},
	{"name": "entryPoint", "type": "address"},
}

// UserOperationTypedData is the EIP-712 payload a HybridAccount owner signs for op.
func (a *HybridAccount) UserOperationTypedData(op *UserOperation, entryPoint common.Address) ([]byte, error) {
	limits := op.AccountGasLimits()
	fees := op.GasFees()
	return json.Marshal(map[string]any{
		"types": map[string]any{
			"PackedUserOperation": packedUserOpFields,
		},
		"primaryType": "PackedUserOperation",
		"domain": map[string]any{
			"name":              "HybridDeleGator",
			"version":           "1",
			"chainId":           a.config.ChainID.String(),
			"verifyingContract": strings.ToLower(a.address.Hex()),
		},
		"message": map[string]any{
			"sender":             op.Sender.Hex(),
			"nonce":              bigOrZero(op.Nonce).String(),
			"initCode":           hexutil.Encode(op.InitCode()),
			"callData":           hexutil.Encode(op.CallData),
			"accountGasLimits":   hexutil.Encode(limits[:]),
			"preVerificationGas": bigOrZero(op.PreVerificationGas).String(),
			"gasFees":            hexutil.Encode(fees[:]),
			"paymasterAndData":   hexutil.Encode(op.PaymasterAndData()),
			"entryPoint":         entryPoint.Hex(),
		},
	})
}

func (a *HybridAccount) SignUserOperationHash(ctx context.Context, op *UserOperation, hash common.Hash) ([]byte, error) {
	if a.signer == nil {
		return nil, fmt.Errorf("%w: account has no signer", ErrUnsupportedOperation)
	}
	if a.config.SignRawHash {
		return a.signer.Sign(ctx, a.config.OwnerKID, AlgorithmSignMessage, hash.Bytes())
	}
	payload, err := a.UserOperationTypedData(op, a.config.EntryPoint)
	if err != nil {
		return nil, err
	}
	return a.signer.Sign(ctx, a.config.OwnerKID, AlgorithmSignTypedData, payload)
}
