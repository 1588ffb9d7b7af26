package didpay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string]*Document

func (r staticResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	doc, ok := r[did]
	if !ok {
		return nil, errors.New("not found")
	}
	return doc, nil
}

func TestPKHResolver(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	did := "did:pkh:eip155:84532:" + testAccountHex
	doc, err := PKHResolver{}.Resolve(ctx, did)
	require.NoError(t, err)
	assert.Equal(did, doc.ID)
	require.Len(t, doc.VerificationMethod, 1)
	assert.Equal(did+"#blockchainAccountId", doc.VerificationMethod[0].ID)
	assert.Equal("eip155:84532:"+testAccountHex, doc.VerificationMethod[0].BlockchainAccountID)

	auth, err := doc.Methods(SectionAuthentication)
	require.NoError(t, err)
	require.Len(t, auth, 1)
	acct, ok := MethodAccount(&auth[0])
	assert.True(ok)
	assert.Equal(testAccountHex, acct.Hex())

	// fragments are dropped from the document id
	doc, err = PKHResolver{}.Resolve(ctx, did+"#blockchainAccountId")
	require.NoError(t, err)
	assert.Equal(did, doc.ID)
}

func TestPKHResolverErrors(t *testing.T) {
	ctx := context.Background()

	for _, did := range []string{
		"did:pkh:eip155:1",
		"did:ethr:eip155:1:" + testAccountHex,
		"did:pkh:solana:101:4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T",
	} {
		_, err := PKHResolver{}.Resolve(ctx, did)
		assert.ErrorIs(t, err, ErrIdentifierResolutionFailed, did)
	}
}

func TestMultiResolver(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	webDoc := &Document{ID: "did:web:example.com"}
	r := NewMultiResolver(map[string]Resolver{
		"pkh": PKHResolver{},
	}, staticResolver{webDoc.ID: webDoc})

	doc, err := r.Resolve(ctx, "did:pkh:eip155:1:"+testAccountHex)
	require.NoError(t, err)
	assert.Equal("did:pkh:eip155:1:"+testAccountHex, doc.ID)

	doc, err = r.Resolve(ctx, "did:web:example.com")
	require.NoError(t, err)
	assert.Same(webDoc, doc)

	noFallback := NewMultiResolver(map[string]Resolver{"pkh": PKHResolver{}}, nil)
	_, err = noFallback.Resolve(ctx, "did:web:example.com")
	assert.ErrorIs(err, ErrUnsupportedResolver)
	assert.ErrorIs(err, ErrIdentifierResolutionFailed)

	_, err = noFallback.Resolve(ctx, "not-a-did")
	assert.ErrorIs(err, ErrMalformedIdentifier)
}

func TestDocumentMethods(t *testing.T) {
	assert := assert.New(t)

	raw := `{
		"id": "did:example:123",
		"verificationMethod": [
			{"id": "#key-1", "type": "EcdsaSecp256k1RecoveryMethod2020", "controller": "did:example:123", "blockchainAccountId": "eip155:1:` + testAccountHex + `"}
		],
		"authentication": ["did:example:123#key-1", "#missing"],
		"keyAgreement": [
			{"id": "did:example:123#x", "type": "X25519KeyAgreementKey2019", "controller": "did:example:123", "publicKeyBase58": "11111111111111111111111111111111"}
		]
	}`
	var doc Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))

	auth, err := doc.Methods(SectionAuthentication)
	require.NoError(t, err)
	require.Len(t, auth, 1)
	assert.Equal("#key-1", auth[0].ID)

	ka, err := doc.Methods(SectionKeyAgreement)
	require.NoError(t, err)
	require.Len(t, ka, 1)
	assert.Equal("did:example:123#x", ka[0].ID)

	assert.NotNil(doc.Method("did:example:123#key-1"))
	assert.NotNil(doc.Method("#x"))
	assert.Nil(doc.Method("#nope"))

	_, err = doc.Methods(Section("bogus"))
	assert.Error(err)
}
