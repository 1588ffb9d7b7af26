package didpay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

// Execution modes (ERC-7579 mode encoding: call type, exec type, unused, selector, payload)
var (
	ModeSingleDefault = [32]byte{}
	ModeBatchDefault  = [32]byte{0x01}
)

const ModeNameSingleDefault = "single-default"

var (
	// RootAuthority marks a delegation granted directly by the delegator (no parent delegation)
	RootAuthority = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	// AnyDelegate is the open delegate address, redeemable by any account
	AnyDelegate = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

type Caveat struct {
	Enforcer common.Address `json:"enforcer"`
	Terms    hexutil.Bytes  `json:"terms"`
	Args     hexutil.Bytes  `json:"args"`
}

// Delegation is a signed authorization for Delegate to act on behalf of Delegator, restricted by Caveats.
type Delegation struct {
	Delegate  common.Address `json:"delegate"`
	Delegator common.Address `json:"delegator"`
	Authority common.Hash    `json:"authority"`
	Caveats   []Caveat       `json:"caveats"`
	Salt      *hexutil.Big   `json:"salt"`
	Signature hexutil.Bytes  `json:"signature"`
}

// PaymentDelegation is the credential subject carried by a payment
// presentation: a delegation plus the value it is to be redeemed for.
type PaymentDelegation struct {
	Delegation Delegation   `json:"delegation"`
	Amount     *hexutil.Big `json:"amount"`
	Mode       string       `json:"mode,omitempty"`
	// optional ERC-4337 nonce key the redemption is scoped to
	NonceKey *hexutil.Big `json:"nonceKey,omitempty"`
}

// the wire forms only use strings and raw numbers so that every field is
// validated explicitly rather than by the decoder
type caveatWire struct {
	Enforcer string `json:"enforcer"`
	Terms    string `json:"terms"`
	Args     string `json:"args"`
}

type delegationWire struct {
	Delegate  string          `json:"delegate"`
	Delegator string          `json:"delegator"`
	Authority string          `json:"authority"`
	Caveats   []caveatWire    `json:"caveats"`
	Salt      json.RawMessage `json:"salt"`
	Signature string          `json:"signature"`
}

type paymentWire struct {
	Delegation *delegationWire `json:"delegation"`
	Amount     json.RawMessage `json:"amount"`
	Mode       string          `json:"mode"`
	NonceKey   json.RawMessage `json:"nonceKey"`
}

func invalidDelegation(format string, args ...any) error {
	return fmt.Errorf("%w: delegation: %s", ErrInvalidSigningInput, fmt.Sprintf(format, args...))
}

// DecodePaymentDelegation validates and decodes a credential subject. The
// subject may be the payment object itself, an object carrying it under
// "paymentDelegation", or either of those serialized into a JSON string.
// All failures wrap ErrInvalidSigningInput.
func DecodePaymentDelegation(subject json.RawMessage) (*PaymentDelegation, error) {
	subject = bytes.TrimSpace(subject)
	if len(subject) == 0 || string(subject) == "null" {
		return nil, invalidDelegation("empty credential subject")
	}
	if subject[0] == '"' {
		var s string
		if err := json.Unmarshal(subject, &s); err != nil {
			return nil, invalidDelegation("%v", err)
		}
		return DecodePaymentDelegation(json.RawMessage(s))
	}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(subject, &outer); err != nil {
		return nil, invalidDelegation("subject is not an object")
	}
	if inner, ok := outer["paymentDelegation"]; ok {
		return DecodePaymentDelegation(inner)
	}

	var w paymentWire
	dec := json.NewDecoder(bytes.NewReader(subject))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, invalidDelegation("%v", err)
	}
	return w.validate()
}

func (w *paymentWire) validate() (*PaymentDelegation, error) {
	if w.Delegation == nil {
		return nil, invalidDelegation("missing delegation")
	}
	d, err := w.Delegation.validate()
	if err != nil {
		return nil, err
	}
	amount, err := parseUint(w.Amount, 256)
	if err != nil || amount == nil {
		return nil, invalidDelegation("invalid amount")
	}
	if amount.Sign() == 0 {
		return nil, invalidDelegation("amount must be positive")
	}
	mode := w.Mode
	if mode == "" {
		mode = ModeNameSingleDefault
	}
	if mode != ModeNameSingleDefault {
		return nil, invalidDelegation("unsupported execution mode %q", w.Mode)
	}
	pd := &PaymentDelegation{
		Delegation: *d,
		Amount:     (*hexutil.Big)(amount),
		Mode:       mode,
	}
	if len(w.NonceKey) > 0 && string(w.NonceKey) != "null" {
		key, err := parseUint(w.NonceKey, 192)
		if err != nil {
			return nil, invalidDelegation("invalid nonceKey")
		}
		pd.NonceKey = (*hexutil.Big)(key)
	}
	return pd, nil
}

func (w *delegationWire) validate() (*Delegation, error) {
	var d Delegation
	var err error
	if d.Delegate, err = parseAddress("delegate", w.Delegate); err != nil {
		return nil, err
	}
	if d.Delegator, err = parseAddress("delegator", w.Delegator); err != nil {
		return nil, err
	}
	if d.Delegator == (common.Address{}) {
		return nil, invalidDelegation("zero delegator")
	}
	auth, err := hexutil.Decode(w.Authority)
	if err != nil || len(auth) != 32 {
		return nil, invalidDelegation("authority must be 32 bytes of hex")
	}
	d.Authority = common.BytesToHash(auth)
	d.Caveats = make([]Caveat, 0, len(w.Caveats))
	for i, c := range w.Caveats {
		enforcer, err := parseAddress(fmt.Sprintf("caveats[%d].enforcer", i), c.Enforcer)
		if err != nil {
			return nil, err
		}
		terms, err := parseHexBytes(c.Terms)
		if err != nil {
			return nil, invalidDelegation("caveats[%d].terms: %v", i, err)
		}
		args, err := parseHexBytes(c.Args)
		if err != nil {
			return nil, invalidDelegation("caveats[%d].args: %v", i, err)
		}
		d.Caveats = append(d.Caveats, Caveat{Enforcer: enforcer, Terms: terms, Args: args})
	}
	salt, err := parseUint(w.Salt, 256)
	if err != nil || salt == nil {
		return nil, invalidDelegation("invalid salt")
	}
	d.Salt = (*hexutil.Big)(salt)
	sig, err := hexutil.Decode(w.Signature)
	if err != nil || len(sig) == 0 {
		return nil, invalidDelegation("missing or malformed signature")
	}
	d.Signature = sig
	return &d, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) || !strings.HasPrefix(s, "0x") {
		return common.Address{}, invalidDelegation("%s is not an address", field)
	}
	return common.HexToAddress(s), nil
}

// empty strings and "0x" are both the empty byte string
func parseHexBytes(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(s)
}

// parseUint accepts a JSON number, or a string holding a decimal or 0x-prefixed hex integer.
func parseUint(raw json.RawMessage, bits int) (*big.Int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 || v.BitLen() > bits {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

// dag-cbor node used for content addressing
type delegationNode struct {
	Delegate  string       `refmt:"delegate"`
	Delegator string       `refmt:"delegator"`
	Authority string       `refmt:"authority"`
	Caveats   []caveatNode `refmt:"caveats"`
	Salt      string       `refmt:"salt"`
	Signature string       `refmt:"signature"`
}

type caveatNode struct {
	Enforcer string `refmt:"enforcer"`
	Terms    string `refmt:"terms"`
	Args     string `refmt:"args"`
}

func init() {
	cbor.RegisterCborType(caveatNode{})
	cbor.RegisterCborType(delegationNode{})
}

func (d *Delegation) node() delegationNode {
	n := delegationNode{
		Delegate:  strings.ToLower(d.Delegate.Hex()),
		Delegator: strings.ToLower(d.Delegator.Hex()),
		Authority: d.Authority.Hex(),
		Caveats:   make([]caveatNode, len(d.Caveats)),
		Salt:      d.salt().String(),
		Signature: hexutil.Encode(d.Signature),
	}
	for i, c := range d.Caveats {
		n.Caveats[i] = caveatNode{
			Enforcer: strings.ToLower(c.Enforcer.Hex()),
			Terms:    hexutil.Encode(c.Terms),
			Args:     hexutil.Encode(c.Args),
		}
	}
	return n
}

func (d *Delegation) salt() *big.Int {
	if d.Salt == nil {
		return new(big.Int)
	}
	return d.Salt.ToInt()
}

func computeCID(b []byte) cid.Cid {
	cidBuilder := cid.V1Builder{Codec: 0x71, MhType: 0x12, MhLength: 0}
	c, err := cidBuilder.Sum(b)
	if err != nil {
		return cid.Undef
	}
	return c
}

// CID content-addresses the signed delegation. Two encodings of the same
// delegation (checksum case, number formats) have the same CID.
func (d *Delegation) CID() cid.Cid {
	out, err := cbor.DumpObject(d.node())
	if err != nil {
		return cid.Undef
	}
	return computeCID(out)
}

var delegationTupleType = mustType("tuple[]", []abi.ArgumentMarshaling{
	{Name: "delegate", Type: "address"},
	{Name: "delegator", Type: "address"},
	{Name: "authority", Type: "bytes32"},
	{Name: "caveats", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
		{Name: "enforcer", Type: "address"},
		{Name: "terms", Type: "bytes"},
		{Name: "args", Type: "bytes"},
	}},
	{Name: "salt", Type: "uint256"},
	{Name: "signature", Type: "bytes"},
})

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

// field names must match the ABI component names for the packer
type abiCaveat struct {
	Enforcer common.Address
	Terms    []byte
	Args     []byte
}

type abiDelegation struct {
	Delegate  common.Address
	Delegator common.Address
	Authority [32]byte
	Caveats   []abiCaveat
	Salt      *big.Int
	Signature []byte
}

// EncodePermissionContext ABI-encodes a delegation chain (leaf first) as the
// permission context argument of redeemDelegations.
func EncodePermissionContext(chain []Delegation) ([]byte, error) {
	out := make([]abiDelegation, len(chain))
	for i, d := range chain {
		caveats := make([]abiCaveat, len(d.Caveats))
		for j, c := range d.Caveats {
			caveats[j] = abiCaveat{Enforcer: c.Enforcer, Terms: nonNil(c.Terms), Args: nonNil(c.Args)}
		}
		out[i] = abiDelegation{
			Delegate:  d.Delegate,
			Delegator: d.Delegator,
			Authority: d.Authority,
			Caveats:   caveats,
			Salt:      d.salt(),
			Signature: nonNil(d.Signature),
		}
	}
	return abi.Arguments{{Type: delegationTupleType}}.Pack(out)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

const delegationManagerABI = `[{
	"type": "function",
	"name": "redeemDelegations",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "_permissionContexts", "type": "bytes[]"},
		{"name": "_modes", "type": "bytes32[]"},
		{"name": "_executionCallDatas", "type": "bytes[]"}
	],
	"outputs": []
}]`

var delegationManager = mustABI(delegationManagerABI)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Call is one execution: a target, the value sent and the calldata.
type Call struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  []byte         `json:"data"`
}

// EncodeSingleExecution packs a call in the ERC-7579 single execution layout: target ++ value ++ calldata.
func EncodeSingleExecution(c Call) []byte {
	value := c.Value
	if value == nil {
		value = new(big.Int)
	}
	out := make([]byte, 0, 52+len(c.Data))
	out = append(out, c.To.Bytes()...)
	out = append(out, common.LeftPadBytes(value.Bytes(), 32)...)
	return append(out, c.Data...)
}

// EncodeRedeemDelegations encodes DelegationManager.redeemDelegations for a
// set of independent single-mode redemptions: one permission context, mode and
// execution per delegation chain.
func EncodeRedeemDelegations(chains [][]Delegation, executions []Call) ([]byte, error) {
	if len(chains) == 0 || len(chains) != len(executions) {
		return nil, fmt.Errorf("%w: %d delegation chains for %d executions", ErrInvalidSigningInput, len(chains), len(executions))
	}
	contexts := make([][]byte, len(chains))
	modes := make([][32]byte, len(chains))
	calls := make([][]byte, len(chains))
	for i, chain := range chains {
		ctx, err := EncodePermissionContext(chain)
		if err != nil {
			return nil, err
		}
		contexts[i] = ctx
		modes[i] = ModeSingleDefault
		calls[i] = EncodeSingleExecution(executions[i])
	}
	return delegationManager.Pack("redeemDelegations", contexts, modes, calls)
}
