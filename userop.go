package didpay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EntryPointV07 is the canonical ERC-4337 v0.7 entry point deployment.
var EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

// UserOperation is an ERC-4337 v0.7 user operation in its unpacked RPC form.
type UserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func bigOrZero(b *hexutil.Big) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b.ToInt()
}

func pack128(hi, lo *hexutil.Big) [32]byte {
	var out [32]byte
	copy(out[:16], common.LeftPadBytes(bigOrZero(hi).Bytes(), 16))
	copy(out[16:], common.LeftPadBytes(bigOrZero(lo).Bytes(), 16))
	return out
}

// InitCode is factory ++ factoryData, or empty for deployed accounts.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return []byte{}
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

func (op *UserOperation) AccountGasLimits() [32]byte {
	return pack128(op.VerificationGasLimit, op.CallGasLimit)
}

func (op *UserOperation) GasFees() [32]byte {
	return pack128(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
}

func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return []byte{}
	}
	out := op.Paymaster.Bytes()
	limits := pack128(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	out = append(out, limits[:]...)
	return append(out, op.PaymasterData...)
}

var userOpHashArgs = abi.Arguments{
	{Type: mustType("address", nil)},
	{Type: mustType("uint256", nil)},
	{Type: mustType("bytes32", nil)},
	{Type: mustType("bytes32", nil)},
	{Type: mustType("bytes32", nil)},
	{Type: mustType("uint256", nil)},
	{Type: mustType("bytes32", nil)},
	{Type: mustType("bytes32", nil)},
}

var userOpEnvelopeArgs = abi.Arguments{
	{Type: mustType("bytes32", nil)},
	{Type: mustType("address", nil)},
	{Type: mustType("uint256", nil)},
}

// Hash computes the v0.7 user operation hash the entry point reports and the account validates.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	inner, err := userOpHashArgs.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		op.AccountGasLimits(),
		bigOrZero(op.PreVerificationGas),
		op.GasFees(),
		crypto.Keccak256Hash(op.PaymasterAndData()),
	)
	if err != nil {
		return common.Hash{}, err
	}
	outer, err := userOpEnvelopeArgs.Pack(crypto.Keccak256Hash(inner), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}
