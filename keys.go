package didpay

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

type KeyType string

const (
	KeyTypeSecp256k1 KeyType = "Secp256k1"
	KeyTypeEd25519   KeyType = "Ed25519"
	KeyTypeX25519    KeyType = "X25519"
)

// verification method "type" values
const (
	KeyTypeEcdsaSecp256k1VerificationKey2019 = "EcdsaSecp256k1VerificationKey2019"
	KeyTypeEcdsaSecp256k1RecoveryMethod2020  = "EcdsaSecp256k1RecoveryMethod2020"
	KeyTypeSecp256k1VerificationKey2018      = "Secp256k1VerificationKey2018"
	KeyTypeEd25519VerificationKey2018        = "Ed25519VerificationKey2018"
	KeyTypeEd25519VerificationKey2020        = "Ed25519VerificationKey2020"
	KeyTypeX25519KeyAgreementKey2019         = "X25519KeyAgreementKey2019"
	KeyTypeX25519KeyAgreementKey2020         = "X25519KeyAgreementKey2020"
	KeyTypeMultikey                          = "Multikey"
	KeyTypeJsonWebKey2020                    = "JsonWebKey2020"
)

// multicodec prefixes for multikey encodings
const (
	multicodecSecp256k1Pub = 0xe7
	multicodecEd25519Pub   = 0xed
	multicodecX25519Pub    = 0xec
)

// KeyRecord is a locally known key. It never carries secret material.
type KeyRecord struct {
	KID          string         `json:"kid"`
	Type         KeyType        `json:"type"`
	PublicKeyHex string         `json:"publicKeyHex"`
	Account      string         `json:"account,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

var errNoKeyMaterial = errors.New("verification method carries no key material")

// methodKeyType classifies a verification method by its declared type. Returns
// "" for types which need to be classified by content (Multikey, JWK) or are unsupported.
func methodKeyType(vm *VerificationMethod) KeyType {
	switch vm.Type {
	case KeyTypeEcdsaSecp256k1VerificationKey2019, KeyTypeEcdsaSecp256k1RecoveryMethod2020, KeyTypeSecp256k1VerificationKey2018:
		return KeyTypeSecp256k1
	case KeyTypeEd25519VerificationKey2018, KeyTypeEd25519VerificationKey2020:
		return KeyTypeEd25519
	case KeyTypeX25519KeyAgreementKey2019, KeyTypeX25519KeyAgreementKey2020:
		return KeyTypeX25519
	}
	return ""
}

// MethodPublicKey extracts the raw public key of a verification method, and
// its key type. secp256k1 keys are returned in compressed form.
//
// Returns errNoKeyMaterial (wrapped) for methods which only carry an account reference.
func MethodPublicKey(vm *VerificationMethod) (KeyType, []byte, error) {
	declared := methodKeyType(vm)

	switch {
	case vm.PublicKeyMultibase != "":
		return multikeyPublicKey(declared, vm.PublicKeyMultibase)
	case vm.PublicKeyHex != "":
		raw, err := hex.DecodeString(strings.TrimPrefix(vm.PublicKeyHex, "0x"))
		if err != nil {
			return "", nil, fmt.Errorf("invalid publicKeyHex: %w", err)
		}
		return normalizeKey(declared, raw)
	case vm.PublicKeyBase58 != "":
		raw, err := base58.Decode(vm.PublicKeyBase58)
		if err != nil {
			return "", nil, fmt.Errorf("invalid publicKeyBase58: %w", err)
		}
		return normalizeKey(declared, raw)
	case vm.PublicKeyJwk != nil:
		return jwkPublicKey(vm.PublicKeyJwk)
	}
	return declared, nil, fmt.Errorf("%w: %s", errNoKeyMaterial, vm.ID)
}

func multikeyPublicKey(declared KeyType, encoded string) (KeyType, []byte, error) {
	// secp256k1 multikeys are handled by atcrypto, which also validates the curve point
	if pub, err := atcrypto.ParsePublicMultibase(encoded); err == nil {
		if _, ok := pub.(*atcrypto.PublicKeyK256); ok {
			return KeyTypeSecp256k1, pub.Bytes(), nil
		}
		return "", nil, fmt.Errorf("unsupported multikey curve")
	}

	_, data, err := multibase.Decode(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("invalid publicKeyMultibase: %w", err)
	}
	code, n, err := varint.FromUvarint(data)
	if err != nil {
		// 2018-era encodings carry no multicodec prefix
		return normalizeKey(declared, data)
	}
	switch code {
	case multicodecEd25519Pub:
		return normalizeKey(KeyTypeEd25519, data[n:])
	case multicodecX25519Pub:
		return normalizeKey(KeyTypeX25519, data[n:])
	case multicodecSecp256k1Pub:
		return normalizeKey(KeyTypeSecp256k1, data[n:])
	}
	return normalizeKey(declared, data)
}

func jwkPublicKey(jwk *PublicKeyJwk) (KeyType, []byte, error) {
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return "", nil, fmt.Errorf("invalid jwk x: %w", err)
	}
	switch jwk.Crv {
	case "secp256k1":
		y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
		if err != nil {
			return "", nil, fmt.Errorf("invalid jwk y: %w", err)
		}
		raw := append([]byte{0x04}, common.LeftPadBytes(x, 32)...)
		raw = append(raw, common.LeftPadBytes(y, 32)...)
		return normalizeKey(KeyTypeSecp256k1, raw)
	case "Ed25519":
		return normalizeKey(KeyTypeEd25519, x)
	case "X25519":
		return normalizeKey(KeyTypeX25519, x)
	}
	return "", nil, fmt.Errorf("unsupported jwk curve: %s", jwk.Crv)
}

func normalizeKey(kt KeyType, raw []byte) (KeyType, []byte, error) {
	switch kt {
	case KeyTypeSecp256k1:
		compressed, err := CompressSecp256k1(raw)
		if err != nil {
			return "", nil, err
		}
		return kt, compressed, nil
	case KeyTypeEd25519, KeyTypeX25519:
		if len(raw) != 32 {
			return "", nil, fmt.Errorf("invalid %s key length: %d", kt, len(raw))
		}
		return kt, raw, nil
	}
	return "", nil, fmt.Errorf("unsupported key type")
}

// CompressSecp256k1 reduces a secp256k1 public key (compressed or uncompressed) to its 33 byte compressed form.
func CompressSecp256k1(raw []byte) ([]byte, error) {
	var pub *atcrypto.PublicKeyK256
	var err error
	switch len(raw) {
	case 33:
		pub, err = atcrypto.ParsePublicBytesK256(raw)
	case 65:
		pub, err = atcrypto.ParsePublicUncompressedBytesK256(raw)
	default:
		return nil, fmt.Errorf("invalid secp256k1 key length: %d", len(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 key: %w", err)
	}
	return pub.Bytes(), nil
}

// Secp256k1Account derives the EVM account address controlled by a secp256k1 public key.
func Secp256k1Account(raw []byte) (common.Address, error) {
	compressed, err := CompressSecp256k1(raw)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.DecompressPubkey(compressed)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid secp256k1 key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Ed25519ToX25519 converts an Ed25519 public key to its X25519 (Montgomery) counterpart.
func Ed25519ToX25519(pub []byte) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// ParseAccountID parses an account reference in any of the encodings found in
// DID documents: CAIP-10 ("eip155:1:0xab.."), the legacy composite form
// ("0xab..@eip155:1"), or a bare address.
func ParseAccountID(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if addr, _, ok := strings.Cut(s, "@"); ok {
		s = addr
	} else if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid account id: %q", s)
	}
	return common.HexToAddress(s), nil
}

// MethodAccount computes the blockchain account implied by a verification
// method: from an explicit ethereumAddress, from a blockchainAccountId, or
// derived from a secp256k1 public key. ok is false when no account is implied.
func MethodAccount(vm *VerificationMethod) (common.Address, bool) {
	if vm.EthereumAddress != "" {
		if addr, err := ParseAccountID(vm.EthereumAddress); err == nil {
			return addr, true
		}
	}
	if vm.BlockchainAccountID != "" {
		if addr, err := ParseAccountID(vm.BlockchainAccountID); err == nil {
			return addr, true
		}
	}
	kt, pub, err := MethodPublicKey(vm)
	if err != nil || kt != KeyTypeSecp256k1 {
		return common.Address{}, false
	}
	addr, err := Secp256k1Account(pub)
	if err != nil {
		return common.Address{}, false
	}
	return addr, true
}

// recordAccount returns the local key's known account, or derives it from a secp256k1 key.
func recordAccount(k *KeyRecord) (common.Address, bool) {
	if k.Account != "" {
		if addr, err := ParseAccountID(k.Account); err == nil {
			return addr, true
		}
	}
	if k.Type != KeyTypeSecp256k1 || k.PublicKeyHex == "" {
		return common.Address{}, false
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(k.PublicKeyHex, "0x"))
	if err != nil {
		return common.Address{}, false
	}
	addr, err := Secp256k1Account(raw)
	if err != nil {
		return common.Address{}, false
	}
	return addr, true
}

// recordPublicKey returns the local key's public material in the same normal form as MethodPublicKey.
func recordPublicKey(k *KeyRecord) []byte {
	if k.PublicKeyHex == "" {
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(k.PublicKeyHex, "0x"))
	if err != nil {
		return nil
	}
	_, norm, err := normalizeKey(k.Type, raw)
	if err != nil {
		return nil
	}
	return norm
}

func equalKeys(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}
