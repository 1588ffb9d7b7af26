package didpay

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RPCSigner is an ExternalSigner backed by a wallet JSON-RPC endpoint
// (personal_sign and eth_signTypedData_v4).
type RPCSigner struct {
	client  *rpc.Client
	account common.Address
}

var _ ExternalSigner = (*RPCSigner)(nil)

// NewRPCSigner wraps an existing RPC client. If account is the zero address,
// the first account reported by eth_accounts is used.
func NewRPCSigner(client *rpc.Client, account common.Address) *RPCSigner {
	return &RPCSigner{client: client, account: account}
}

// DialRPCSigner connects to a wallet endpoint with an instrumented HTTP transport.
func DialRPCSigner(ctx context.Context, url string, account common.Address) (*RPCSigner, error) {
	hc := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("dialing signer %s: %w", url, err)
	}
	return NewRPCSigner(client, account), nil
}

func (s *RPCSigner) Account(ctx context.Context) (common.Address, error) {
	if s.account != (common.Address{}) {
		return s.account, nil
	}
	var accts []common.Address
	if err := s.client.CallContext(ctx, &accts, "eth_accounts"); err != nil {
		return common.Address{}, err
	}
	if len(accts) == 0 {
		return common.Address{}, fmt.Errorf("signer exposes no accounts")
	}
	return accts[0], nil
}

func (s *RPCSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	acct, err := s.Account(ctx)
	if err != nil {
		return nil, err
	}
	var sig hexutil.Bytes
	if err := s.client.CallContext(ctx, &sig, "personal_sign", hexutil.Bytes(msg), acct); err != nil {
		return nil, err
	}
	return sig, nil
}

func (s *RPCSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	acct, err := s.Account(ctx)
	if err != nil {
		return nil, err
	}
	// wallets expect the domain type to be declared
	payload, err := json.Marshal(WithDomainType(td))
	if err != nil {
		return nil, err
	}
	var sig hexutil.Bytes
	if err := s.client.CallContext(ctx, &sig, "eth_signTypedData_v4", acct, string(payload)); err != nil {
		return nil, err
	}
	return sig, nil
}

// KeySigner is an ExternalSigner holding an in-process secp256k1 key. It is
// used for the provider's own account owner in development setups.
type KeySigner struct {
	priv *ecdsa.PrivateKey
}

var _ ExternalSigner = (*KeySigner)(nil)

func NewKeySigner(priv *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{priv: priv}
}

// KeySignerFromHex parses a hex private key (with or without 0x prefix).
func KeySignerFromHex(s string) (*KeySigner, error) {
	if len(s) > 1 && s[:2] == "0x" {
		s = s[2:]
	}
	priv, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	return NewKeySigner(priv), nil
}

func (s *KeySigner) Account(ctx context.Context) (common.Address, error) {
	return crypto.PubkeyToAddress(s.priv.PublicKey), nil
}

func (s *KeySigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return s.signHash(accounts.TextHash(msg))
}

func (s *KeySigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(WithDomainType(td))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSigningInput, err)
	}
	return s.signHash(hash)
}

// signatures use the 27/28 recovery id convention expected by contracts
func (s *KeySigner) signHash(hash []byte) ([]byte, error) {
	sig, err := crypto.Sign(hash, s.priv)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// WithDomainType returns a copy of td whose Types declare EIP712Domain,
// derived from the domain fields which are set.
func WithDomainType(td apitypes.TypedData) apitypes.TypedData {
	var fields []apitypes.Type
	if td.Domain.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if td.Domain.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if td.Domain.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if td.Domain.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if td.Domain.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}

	types := make(apitypes.Types, len(td.Types)+1)
	for k, v := range td.Types {
		types[k] = v
	}
	types[eip712DomainType] = fields
	td.Types = types
	return td
}
