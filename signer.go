package didpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signing kinds accepted by Web3KeyManager.Sign
const (
	AlgorithmSignMessage   = "eth_signMessage"
	AlgorithmSignTypedData = "eth_signTypedData"
)

const eip712DomainType = "EIP712Domain"

// ExternalSigner is signing authority held outside this process (a wallet,
// remote signer or smart-account owner). Implementations must be safe for concurrent use.
type ExternalSigner interface {
	Account(ctx context.Context) (common.Address, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	// typed data is passed with the EIP712Domain entry removed from Types
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

// Web3KeyManager exposes a fixed registry of named external signers through
// a key-manager style interface. It never holds private key material, so it
// can enroll existing keys but never create new ones.
type Web3KeyManager struct {
	providers map[string]ExternalSigner
	names     []string
	logger    *slog.Logger
}

func NewWeb3KeyManager(providers map[string]ExternalSigner, logger *slog.Logger) *Web3KeyManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Web3KeyManager{
		providers: make(map[string]ExternalSigner, len(providers)),
		logger:    logger.With("component", "keymanager"),
	}
	for name, s := range providers {
		m.providers[name] = s
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	return m
}

func (m *Web3KeyManager) Algorithms() []string {
	return []string{AlgorithmSignMessage, AlgorithmSignTypedData}
}

// KID formats the synthetic key id for a provider account
func KID(provider string, account common.Address) string {
	return "web3-" + provider + "-" + account.Hex()
}

func parseKID(kid string) (string, common.Address, error) {
	rest, ok := strings.CutPrefix(kid, "web3-")
	idx := strings.LastIndex(rest, "-0x")
	if !ok || idx <= 0 {
		return "", common.Address{}, fmt.Errorf("%w: malformed key id %q", ErrInvalidSigningInput, kid)
	}
	acct := rest[idx+1:]
	if !common.IsHexAddress(acct) {
		return "", common.Address{}, fmt.Errorf("%w: malformed key id %q", ErrInvalidSigningInput, kid)
	}
	return rest[:idx], common.HexToAddress(acct), nil
}

// CreateKey always fails: signing authority can be enrolled, never minted.
func (m *Web3KeyManager) CreateKey(ctx context.Context, provider string, kt KeyType) (*KeyRecord, error) {
	return nil, fmt.Errorf("%w: web3 key manager cannot create keys", ErrUnsupportedOperation)
}

// ImportKey enrolls a descriptor for a registered provider. rec.Meta["provider"] names the provider.
func (m *Web3KeyManager) ImportKey(ctx context.Context, rec KeyRecord) (*KeyRecord, error) {
	name, _ := rec.Meta["provider"].(string)
	signer, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSigner, name)
	}
	acct, err := signer.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving account for provider %s: %w", name, err)
	}
	out := m.descriptor(name, acct)
	if rec.PublicKeyHex != "" {
		out.PublicKeyHex = rec.PublicKeyHex
	}
	return &out, nil
}

// ListKeys returns one synthetic descriptor per configured provider.
func (m *Web3KeyManager) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	out := make([]KeyRecord, 0, len(m.names))
	for _, name := range m.names {
		acct, err := m.providers[name].Account(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving account for provider %s: %w", name, err)
		}
		out = append(out, m.descriptor(name, acct))
	}
	return out, nil
}

func (m *Web3KeyManager) descriptor(name string, acct common.Address) KeyRecord {
	return KeyRecord{
		KID:     KID(name, acct),
		Type:    KeyTypeSecp256k1,
		Account: acct.Hex(),
		Meta: map[string]any{
			"provider":   name,
			"account":    acct.Hex(),
			"algorithms": m.Algorithms(),
		},
	}
}

// DeleteKey is a no-op: there is nothing held locally to delete.
func (m *Web3KeyManager) DeleteKey(ctx context.Context, kid string) (bool, error) {
	return true, nil
}

func (m *Web3KeyManager) SharedSecret(ctx context.Context, kid string, peer []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: web3 key manager cannot derive shared secrets", ErrUnsupportedOperation)
}

// Sign dispatches to exactly one of the external signer's operations, chosen by algorithm.
func (m *Web3KeyManager) Sign(ctx context.Context, kid string, algorithm string, payload []byte) ([]byte, error) {
	if algorithm != AlgorithmSignMessage && algorithm != AlgorithmSignTypedData {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	name, acct, err := parseKID(kid)
	if err != nil {
		return nil, err
	}
	signer, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSigner, name)
	}
	current, err := signer.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving account for provider %s: %w", name, err)
	}
	if current != acct {
		return nil, fmt.Errorf("%w: key %s is not controlled by provider %s", ErrInvalidSigningInput, kid, name)
	}

	if algorithm == AlgorithmSignMessage {
		return signer.SignMessage(ctx, payload)
	}
	td, err := ParseTypedData(payload)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("signing typed data", "provider", name, "primaryType", td.PrimaryType)
	return signer.SignTypedData(ctx, td)
}

// ParseTypedData decodes an EIP-712 payload. domain, types and message are
// required; the EIP712Domain entry is removed from types, and the primary type
// is inferred when not given.
func ParseTypedData(payload []byte) (apitypes.TypedData, error) {
	var raw struct {
		Domain      json.RawMessage `json:"domain"`
		Types       json.RawMessage `json:"types"`
		Message     json.RawMessage `json:"message"`
		PrimaryType string          `json:"primaryType"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return apitypes.TypedData{}, fmt.Errorf("%w: %v", ErrInvalidSigningInput, err)
	}
	if isMissing(raw.Domain) || isMissing(raw.Types) || isMissing(raw.Message) {
		return apitypes.TypedData{}, fmt.Errorf("%w: typed data requires domain, types and message", ErrInvalidSigningInput)
	}

	var types apitypes.Types
	if err := json.Unmarshal(raw.Types, &types); err != nil {
		return apitypes.TypedData{}, fmt.Errorf("%w: types: %v", ErrInvalidSigningInput, err)
	}
	delete(types, eip712DomainType)
	if len(types) == 0 {
		return apitypes.TypedData{}, fmt.Errorf("%w: no signable types", ErrInvalidSigningInput)
	}

	domain, err := parseDomain(raw.Domain)
	if err != nil {
		return apitypes.TypedData{}, err
	}

	var message apitypes.TypedDataMessage
	dec := json.NewDecoder(bytes.NewReader(raw.Message))
	dec.UseNumber()
	if err := dec.Decode(&message); err != nil || message == nil {
		return apitypes.TypedData{}, fmt.Errorf("%w: message must be an object", ErrInvalidSigningInput)
	}
	message = stringifyNumbers(message).(map[string]any)

	primary := raw.PrimaryType
	if primary == "" {
		primary, err = inferPrimaryType(types)
		if err != nil {
			return apitypes.TypedData{}, err
		}
	}
	if _, ok := types[primary]; !ok {
		return apitypes.TypedData{}, fmt.Errorf("%w: primary type %q not defined", ErrInvalidSigningInput, primary)
	}

	return apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain:      domain,
		Message:     message,
	}, nil
}

func isMissing(b json.RawMessage) bool {
	return len(b) == 0 || string(b) == "null"
}

func parseDomain(b json.RawMessage) (apitypes.TypedDataDomain, error) {
	var d struct {
		Name              string          `json:"name"`
		Version           string          `json:"version"`
		ChainID           json.RawMessage `json:"chainId"`
		VerifyingContract string          `json:"verifyingContract"`
		Salt              string          `json:"salt"`
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return apitypes.TypedDataDomain{}, fmt.Errorf("%w: domain: %v", ErrInvalidSigningInput, err)
	}
	out := apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		VerifyingContract: d.VerifyingContract,
		Salt:              d.Salt,
	}
	if !isMissing(d.ChainID) {
		// numbers and numeric strings (decimal or 0x-hex) are both accepted
		str := strings.Trim(string(d.ChainID), `"`)
		chainID, ok := new(big.Int).SetString(str, 0)
		if !ok || chainID.Sign() < 0 {
			return apitypes.TypedDataDomain{}, fmt.Errorf("%w: invalid domain chainId %q", ErrInvalidSigningInput, d.ChainID)
		}
		out.ChainId = (*math.HexOrDecimal256)(chainID)
	}
	return out, nil
}

// the primary type is the one type which no other type references
func inferPrimaryType(types apitypes.Types) (string, error) {
	referenced := map[string]bool{}
	for _, fields := range types {
		for _, f := range fields {
			referenced[strings.TrimSuffix(f.Type, "[]")] = true
		}
	}
	var roots []string
	for name := range types {
		if !referenced[name] {
			roots = append(roots, name)
		}
	}
	if len(roots) != 1 {
		return "", fmt.Errorf("%w: ambiguous primary type (%d candidates)", ErrInvalidSigningInput, len(roots))
	}
	return roots[0], nil
}

// stringifyNumbers replaces json.Number values with their literal text, which
// the EIP-712 encoder parses without float64 precision loss.
func stringifyNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = stringifyNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = stringifyNumbers(e)
		}
		return t
	}
	return v
}
