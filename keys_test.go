package didpay

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multikey(t *testing.T, code uint64, raw []byte) string {
	t.Helper()
	s, err := multibase.Encode(multibase.Base58BTC, append(varint.ToUvarint(code), raw...))
	require.NoError(t, err)
	return s
}

func TestMethodPublicKeySecp256k1(t *testing.T) {
	assert := assert.New(t)

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	compressed := crypto.CompressPubkey(&priv.PublicKey)
	uncompressed := crypto.FromECDSAPub(&priv.PublicKey)

	list := []VerificationMethod{
		{ID: "#hex", Type: KeyTypeEcdsaSecp256k1VerificationKey2019, PublicKeyHex: hex.EncodeToString(uncompressed)},
		{ID: "#hex-compressed", Type: KeyTypeEcdsaSecp256k1VerificationKey2019, PublicKeyHex: "0x" + hex.EncodeToString(compressed)},
		{ID: "#b58", Type: KeyTypeSecp256k1VerificationKey2018, PublicKeyBase58: base58.Encode(uncompressed)},
		{ID: "#multikey", Type: KeyTypeMultikey, PublicKeyMultibase: multikey(t, multicodecSecp256k1Pub, compressed)},
		{ID: "#jwk", Type: KeyTypeJsonWebKey2020, PublicKeyJwk: &PublicKeyJwk{
			Kty: "EC",
			Crv: "secp256k1",
			X:   base64.RawURLEncoding.EncodeToString(uncompressed[1:33]),
			Y:   base64.RawURLEncoding.EncodeToString(uncompressed[33:]),
		}},
	}
	for _, vm := range list {
		kt, pub, err := MethodPublicKey(&vm)
		require.NoError(t, err, vm.ID)
		assert.Equal(KeyTypeSecp256k1, kt, vm.ID)
		assert.Equal(compressed, pub, vm.ID)

		acct, ok := MethodAccount(&vm)
		assert.True(ok, vm.ID)
		assert.Equal(crypto.PubkeyToAddress(priv.PublicKey), acct, vm.ID)
	}
}

func TestMethodPublicKeyEd25519(t *testing.T) {
	assert := assert.New(t)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	list := []VerificationMethod{
		{ID: "#b58", Type: KeyTypeEd25519VerificationKey2018, PublicKeyBase58: base58.Encode(pub)},
		{ID: "#multikey", Type: KeyTypeMultikey, PublicKeyMultibase: multikey(t, multicodecEd25519Pub, pub)},
		{ID: "#jwk", Type: KeyTypeJsonWebKey2020, PublicKeyJwk: &PublicKeyJwk{Kty: "OKP", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(pub)}},
	}
	for _, vm := range list {
		kt, raw, err := MethodPublicKey(&vm)
		require.NoError(t, err, vm.ID)
		assert.Equal(KeyTypeEd25519, kt, vm.ID)
		assert.Equal([]byte(pub), raw, vm.ID)

		_, ok := MethodAccount(&vm)
		assert.False(ok, vm.ID)
	}
}

func TestMethodPublicKeyUnsupported(t *testing.T) {
	assert := assert.New(t)

	_, _, err := MethodPublicKey(&VerificationMethod{ID: "#rsa", Type: "RsaVerificationKey2018", PublicKeyHex: "abcd"})
	assert.Error(err)

	_, _, err = MethodPublicKey(&VerificationMethod{ID: "#short", Type: KeyTypeEd25519VerificationKey2018, PublicKeyHex: "abcd"})
	assert.Error(err)

	kt, _, err := MethodPublicKey(&VerificationMethod{ID: "#acct", Type: KeyTypeEcdsaSecp256k1RecoveryMethod2020, BlockchainAccountID: "eip155:1:" + testAccountHex})
	assert.ErrorIs(err, errNoKeyMaterial)
	assert.Equal(KeyTypeSecp256k1, kt)
}

func TestParseAccountID(t *testing.T) {
	assert := assert.New(t)
	want := common.HexToAddress(testAccountHex)

	for _, s := range []string{
		"eip155:1:" + testAccountHex,
		testAccountHex + "@eip155:1",
		testAccountHex,
		" " + testAccountHex + " ",
	} {
		addr, err := ParseAccountID(s)
		require.NoError(t, err, s)
		assert.Equal(want, addr, s)
	}

	for _, s := range []string{"", "eip155:1:0x1234", "bogus@eip155:1"} {
		_, err := ParseAccountID(s)
		assert.Error(err, s)
	}
}

func TestEd25519ToX25519(t *testing.T) {
	assert := assert.New(t)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	x1, err := Ed25519ToX25519(pub)
	require.NoError(t, err)
	assert.Len(x1, 32)
	assert.NotEqual([]byte(pub), x1)

	x2, err := Ed25519ToX25519(pub)
	require.NoError(t, err)
	assert.Equal(x1, x2)

	_, err = Ed25519ToX25519([]byte{1, 2, 3})
	assert.Error(err)
}

func TestCompressSecp256k1(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	out, err := CompressSecp256k1(crypto.FromECDSAPub(&priv.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, crypto.CompressPubkey(&priv.PublicKey), out)

	_, err = CompressSecp256k1(make([]byte, 20))
	assert.Error(t, err)
}
