package didpay

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testFactory        = common.HexToAddress("0x69Aa2f9fe1572F1B640E1bbc512f5c3a734fc77c")
	testImplementation = common.HexToAddress("0x48dBe696A4D990079e039489bA2053B36E8FFEC4")
	testProxyCode      = common.FromHex("0x608060405260405161")
)

func newTestAccount(t *testing.T, config HybridAccountConfig) (*HybridAccount, common.Address) {
	t.Helper()
	signer, owner := newTestKeySigner(t)
	km := NewWeb3KeyManager(map[string]ExternalSigner{"owner": signer}, nil)
	config.Owner = owner
	config.OwnerKID = KID("owner", owner)
	if config.ChainID == nil {
		config.ChainID = big.NewInt(84532)
	}
	if config.Address == (common.Address{}) && config.Factory == (common.Address{}) {
		config.Factory = testFactory
		config.Implementation = testImplementation
		config.ProxyCreationCode = testProxyCode
	}
	acct, err := NewHybridAccount(config, km)
	require.NoError(t, err)
	return acct, owner
}

func TestHybridAccountAddress(t *testing.T) {
	assert := assert.New(t)

	a, _ := newTestAccount(t, HybridAccountConfig{Salt: common.Hash{0x01}})
	b, _ := newTestAccount(t, HybridAccountConfig{Salt: common.Hash{0x01}})
	assert.NotEqual(a.Address(), b.Address(), "different owners")

	code, err := a.creationCode()
	require.NoError(t, err)
	assert.Equal(crypto.CreateAddress2(testFactory, common.Hash{0x01}, crypto.Keccak256(code)), a.Address())

	// deterministic
	again, err := NewHybridAccount(a.config, nil)
	require.NoError(t, err)
	assert.Equal(a.Address(), again.Address())

	fixed, _ := newTestAccount(t, HybridAccountConfig{Address: common.HexToAddress(testAccountHex)})
	assert.Equal(common.HexToAddress(testAccountHex), fixed.Address())
	_, _, err = fixed.FactoryData()
	assert.ErrorIs(err, ErrUnsupportedOperation)
}

func TestHybridAccountConfigErrors(t *testing.T) {
	_, err := NewHybridAccount(HybridAccountConfig{Owner: common.Address{1}}, nil)
	assert.Error(t, err)
	_, err = NewHybridAccount(HybridAccountConfig{ChainID: big.NewInt(1)}, nil)
	assert.Error(t, err)
	_, err = NewHybridAccount(HybridAccountConfig{ChainID: big.NewInt(1), Owner: common.Address{1}}, nil)
	assert.Error(t, err)
}

func TestHybridAccountFactoryData(t *testing.T) {
	acct, _ := newTestAccount(t, HybridAccountConfig{Salt: common.Hash{0x02}})
	factory, data, err := acct.FactoryData()
	require.NoError(t, err)
	assert.Equal(t, testFactory, factory)

	method := factoryABI.Methods["deploy"]
	assert.Equal(t, method.ID, data[:4])
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, testProxyCode, args[0].([]byte)[:len(testProxyCode)])
	assert.Equal(t, [32]byte{0x02}, args[1].([32]byte))
}

func TestHybridAccountEncodeCalls(t *testing.T) {
	assert := assert.New(t)
	acct, _ := newTestAccount(t, HybridAccountConfig{})
	execute := accountABI.Methods["execute"]

	one := Call{To: common.HexToAddress(testAccountHex), Value: big.NewInt(5), Data: []byte{0x01}}
	data, err := acct.EncodeCalls([]Call{one})
	require.NoError(t, err)
	assert.Equal(execute.ID, data[:4])
	args, err := execute.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(ModeSingleDefault, args[0].([32]byte))
	assert.Equal(EncodeSingleExecution(one), args[1].([]byte))

	data, err = acct.EncodeCalls([]Call{one, NoOpCall(acct)})
	require.NoError(t, err)
	args, err = execute.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(ModeBatchDefault, args[0].([32]byte))

	_, err = acct.EncodeCalls(nil)
	assert.ErrorIs(err, ErrInvalidSigningInput)

	noop := NoOpCall(acct)
	assert.Equal(acct.Address(), noop.To)
	assert.Zero(noop.Value.Sign())
	assert.Empty(noop.Data)
}

func testUserOp(sender common.Address) *UserOperation {
	return &UserOperation{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(ComposeNonce(big.NewInt(1700000000000), 0)),
		CallData:             []byte{0xde, 0xad},
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(200000)),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50000)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(2000000000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(1000000000)),
	}
}

func TestHybridAccountSignTypedData(t *testing.T) {
	ctx := context.Background()
	acct, owner := newTestAccount(t, HybridAccountConfig{})
	op := testUserOp(acct.Address())
	hash, err := op.Hash(EntryPointV07, big.NewInt(84532))
	require.NoError(t, err)

	sig, err := acct.SignUserOperationHash(ctx, op, hash)
	require.NoError(t, err)

	payload, err := acct.UserOperationTypedData(op, EntryPointV07)
	require.NoError(t, err)
	td, err := ParseTypedData(payload)
	require.NoError(t, err)
	assert.Equal(t, "PackedUserOperation", td.PrimaryType)
	digest, _, err := apitypes.TypedDataAndHash(WithDomainType(td))
	require.NoError(t, err)
	assert.Equal(t, owner, recoverSigner(t, digest, sig))
}

func TestHybridAccountSignRawHash(t *testing.T) {
	ctx := context.Background()
	acct, owner := newTestAccount(t, HybridAccountConfig{SignRawHash: true})
	op := testUserOp(acct.Address())
	hash, err := op.Hash(EntryPointV07, big.NewInt(84532))
	require.NoError(t, err)

	sig, err := acct.SignUserOperationHash(ctx, op, hash)
	require.NoError(t, err)
	assert.Equal(t, owner, recoverSigner(t, accounts.TextHash(hash.Bytes()), sig))
}

func TestUserOperationPacking(t *testing.T) {
	assert := assert.New(t)
	op := testUserOp(common.HexToAddress(testAccountHex))

	limits := op.AccountGasLimits()
	assert.Equal(common.LeftPadBytes(big.NewInt(200000).Bytes(), 16), limits[:16])
	assert.Equal(common.LeftPadBytes(big.NewInt(100000).Bytes(), 16), limits[16:])
	assert.Empty(op.InitCode())
	assert.Empty(op.PaymasterAndData())

	h1, err := op.Hash(EntryPointV07, big.NewInt(84532))
	require.NoError(t, err)
	h2, err := op.Hash(EntryPointV07, big.NewInt(1))
	require.NoError(t, err)
	assert.NotEqual(h1, h2)

	factory := common.HexToAddress("0x01")
	op.Factory = &factory
	op.FactoryData = []byte{0xaa}
	assert.Equal(append(factory.Bytes(), 0xaa), op.InitCode())
	h3, err := op.Hash(EntryPointV07, big.NewInt(84532))
	require.NoError(t, err)
	assert.NotEqual(h1, h3)
}
