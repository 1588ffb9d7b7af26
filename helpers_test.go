package didpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcHandler func(params json.RawMessage) (any, error)

// fakeRPC is a minimal JSON-RPC 2.0 endpoint. Handlers are looked up by method name.
type fakeRPC struct {
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    []string
}

func newFakeRPC(t *testing.T, handlers map[string]rpcHandler) (*fakeRPC, *httptest.Server) {
	t.Helper()
	f := &fakeRPC{handlers: handlers}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRPC) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	h, ok := f.handlers[req.Method]
	f.mu.Unlock()

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	} else if result, err := h(req.Params); err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
	} else if result == nil {
		resp.Result = json.RawMessage("null")
	} else {
		resp.Result = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// fakeAccountContract answers ERC-1271 isValidSignature calls for smart
// accounts by recovering the EIP-191 signer and comparing it to the account owner.
type fakeAccountContract struct {
	mu     sync.Mutex
	owners map[common.Address]common.Address
	calls  int
}

func (f *fakeAccountContract) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	owner, ok := f.owners[*msg.To]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("execution reverted")
	}
	if len(msg.Data) < 4 {
		return nil, errors.New("execution reverted")
	}
	args, err := erc1271.Methods["isValidSignature"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	hash := args[0].([32]byte)
	sig := append([]byte(nil), args[1].([]byte)...)
	out := make([]byte, 32)
	if len(sig) == 65 {
		if sig[64] >= 27 {
			sig[64] -= 27
		}
		if pub, err := crypto.SigToPub(hash[:], sig); err == nil && crypto.PubkeyToAddress(*pub) == owner {
			copy(out, ERC1271MagicValue[:])
			return out, nil
		}
	}
	copy(out, []byte{0xff, 0xff, 0xff, 0xff})
	return out, nil
}

func (f *fakeAccountContract) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// testHolder is a counterparty: a smart account whose owner key signs through a key manager
type testHolder struct {
	id      Identifier
	account common.Address
	owner   common.Address
	km      *Web3KeyManager
	kid     string
}

func newTestHolder(t *testing.T, chainID uint64) *testHolder {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(priv.PublicKey)
	acctKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := crypto.PubkeyToAddress(acctKey.PublicKey)
	return &testHolder{
		id:      NewPKHIdentifier(chainID, account),
		account: account,
		owner:   owner,
		km:      NewWeb3KeyManager(map[string]ExternalSigner{"wallet": NewKeySigner(priv)}, nil),
		kid:     KID("wallet", owner),
	}
}

func (h *testHolder) vm() string {
	return h.id.DID() + "#blockchainAccountId"
}

func (h *testHolder) delegation(delegate common.Address, amount int64) *PaymentDelegation {
	return &PaymentDelegation{
		Delegation: Delegation{
			Delegate:  delegate,
			Delegator: h.account,
			Authority: RootAuthority,
			Caveats: []Caveat{{
				Enforcer: common.HexToAddress("0x92Bf12322527cAA612fd31a0e810472BBB106A8F"),
				Terms:    common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
				Args:     []byte{},
			}},
			Salt:      (*hexutil.Big)(big.NewInt(time.Now().UnixNano())),
			Signature: bytes.Repeat([]byte{0xab}, 65),
		},
		Amount: (*hexutil.Big)(big.NewInt(amount)),
		Mode:   ModeNameSingleDefault,
	}
}

func (h *testHolder) present(t *testing.T, challenge string, delegations ...*PaymentDelegation) *Presentation {
	t.Helper()
	vp, err := NewPaymentPresentation(h.id, delegations...)
	require.NoError(t, err)
	require.NoError(t, SignPresentation(context.Background(), vp, h.km, h.kid, h.vm(), challenge, ""))
	return vp
}
