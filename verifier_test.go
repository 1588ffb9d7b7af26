package didpay

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T, holders ...*testHolder) (*PresentationVerifier, *ChallengeRegistry, *fakeAccountContract) {
	t.Helper()
	contract := &fakeAccountContract{owners: map[common.Address]common.Address{}}
	for _, h := range holders {
		contract.owners[h.account] = h.owner
	}
	challenges := NewChallengeRegistry(time.Minute)
	v := NewPresentationVerifier(PKHResolver{}, contract, challenges, VerifierConfig{ChainID: 84532}, nil)
	return v, challenges, contract
}

func TestVerifyValidPresentation(t *testing.T) {
	ctx := context.Background()
	holder := newTestHolder(t, 84532)
	v, challenges, _ := newTestVerifier(t, holder)

	challenge, err := challenges.Issue(holder.id.DID())
	require.NoError(t, err)
	vp := holder.present(t, challenge, holder.delegation(common.HexToAddress(testAccountHex), 1))

	ok, err := v.Verify(ctx, vp)
	require.NoError(t, err)
	assert.True(t, ok)

	// the challenge is single use
	ok, err = v.Verify(ctx, vp)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.ErrorIs(t, err, ErrChallengeUnknown)
}

func TestVerifyChallengeIssuedToAnotherSender(t *testing.T) {
	ctx := context.Background()
	holder := newTestHolder(t, 84532)
	other := newTestHolder(t, 84532)
	v, challenges, contract := newTestVerifier(t, holder, other)

	challenge, err := challenges.Issue(other.id.DID())
	require.NoError(t, err)
	vp := holder.present(t, challenge, holder.delegation(common.HexToAddress(testAccountHex), 1))

	ok, err := v.Verify(ctx, vp)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrChallengeUnknown)
	assert.Zero(t, contract.Calls())
	// still redeemable by the sender it was issued to
	assert.True(t, challenges.Valid(challenge))
}

func TestVerifyRejections(t *testing.T) {
	ctx := context.Background()
	holder := newTestHolder(t, 84532)
	stranger := newTestHolder(t, 84532)
	v, challenges, contract := newTestVerifier(t, holder)

	fresh := func() string {
		c, err := challenges.Issue("")
		require.NoError(t, err)
		return c
	}

	tests := []struct {
		name   string
		vp     func() *Presentation
		target error
	}{
		{"nil", func() *Presentation { return nil }, ErrVerificationFailed},
		{"unsigned", func() *Presentation {
			vp, err := NewPaymentPresentation(holder.id)
			require.NoError(t, err)
			return vp
		}, ErrVerificationFailed},
		{"unknown challenge", func() *Presentation {
			return holder.present(t, "not-issued")
		}, ErrChallengeUnknown},
		{"tampered", func() *Presentation {
			vp := holder.present(t, fresh())
			vp.ID = "urn:uuid:changed"
			return vp
		}, ErrVerificationFailed},
		{"signed by non-owner", func() *Presentation {
			vp := stranger.present(t, fresh())
			vp.Holder = holder.id.DID()
			// re-sign with the stranger's key but claim the holder's account
			require.NoError(t, SignPresentation(ctx, vp, stranger.km, stranger.kid, holder.vm(), vp.Proof.Challenge, ""))
			return vp
		}, ErrVerificationFailed},
		{"unbound verification method", func() *Presentation {
			vp := holder.present(t, fresh())
			vp.Proof.VerificationMethod = holder.id.DID() + "#other"
			return vp
		}, ErrVerificationFailed},
		{"malformed holder", func() *Presentation {
			vp := holder.present(t, fresh())
			vp.Holder = "did:pkh:eip155:84532"
			return vp
		}, ErrMalformedIdentifier},
		{"wrong chain", func() *Presentation {
			other := NewPKHIdentifier(1, holder.account)
			vp, err := NewPaymentPresentation(other)
			require.NoError(t, err)
			require.NoError(t, SignPresentation(ctx, vp, holder.km, holder.kid, other.DID()+"#blockchainAccountId", fresh(), ""))
			return vp
		}, ErrVerificationFailed},
		{"account without contract", func() *Presentation {
			return stranger.present(t, fresh())
		}, ErrVerificationFailed},
		{"garbage proof value", func() *Presentation {
			vp := holder.present(t, fresh())
			vp.Proof.ProofValue = "zz"
			return vp
		}, ErrInvalidSigningInput},
		{"wrong proof type", func() *Presentation {
			vp := holder.present(t, fresh())
			vp.Proof.Type = "JsonWebSignature2020"
			return vp
		}, ErrUnsupportedAlgorithm},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := v.Verify(ctx, tc.vp())
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrVerificationFailed)
			assert.ErrorIs(t, err, tc.target)
		})
	}
	assert.Positive(t, contract.Calls())
}

func TestVerifyResolutionFailure(t *testing.T) {
	holder := newTestHolder(t, 84532)
	contract := &fakeAccountContract{owners: map[common.Address]common.Address{holder.account: holder.owner}}
	v := NewPresentationVerifier(staticResolver{}, contract, nil, VerifierConfig{}, nil)

	ok, err := v.Verify(context.Background(), holder.present(t, "anything"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrIdentifierResolutionFailed)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Zero(t, contract.Calls())
}

func TestVerifyDocumentWithoutMatchingMethod(t *testing.T) {
	holder := newTestHolder(t, 84532)
	contract := &fakeAccountContract{owners: map[common.Address]common.Address{holder.account: holder.owner}}
	doc := &Document{
		ID: holder.id.DID(),
		VerificationMethod: []VerificationMethod{{
			ID:                  holder.vm(),
			Type:                KeyTypeEcdsaSecp256k1RecoveryMethod2020,
			BlockchainAccountID: "eip155:84532:" + testAccountHex,
		}},
		Authentication: []MethodRef{{Ref: holder.vm()}},
	}
	v := NewPresentationVerifier(staticResolver{doc.ID: doc}, contract, nil, VerifierConfig{}, nil)

	ok, err := v.Verify(context.Background(), holder.present(t, "anything"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Zero(t, contract.Calls())
}

func TestSigningInputExcludesProofValue(t *testing.T) {
	holder := newTestHolder(t, 84532)
	vp := holder.present(t, "c1")

	a, err := SigningInput(vp)
	require.NoError(t, err)
	vp.Proof.ProofValue = "0x00"
	b, err := SigningInput(vp)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, string(a), "proofValue")
	assert.Contains(t, string(a), `"challenge":"c1"`)

	vp.Proof.Challenge = "c2"
	c, err := SigningInput(vp)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
