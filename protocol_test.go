package didpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type protocolFixture struct {
	handler    *Handler
	holder     *testHolder
	relay      *mockRelay
	challenges *ChallengeRegistry
	provider   common.Address
}

func newProtocolFixture(t *testing.T) *protocolFixture {
	t.Helper()
	holder := newTestHolder(t, 84532)
	verifier, challenges, _ := newTestVerifier(t, holder)
	relay := newMockRelay()
	exec := newTestExecutor(t, relay, ExecutorConfig{})
	provider := exec.Account().Address()
	h := NewHandler(verifier, exec, challenges, HandlerConfig{
		Address:  NewPKHIdentifier(84532, provider).String(),
		Services: []Service{{ID: "svc-1", Name: "transcription"}},
	}, nil)
	return &protocolFixture{
		handler:    h,
		holder:     holder,
		relay:      relay,
		challenges: challenges,
		provider:   provider,
	}
}

func askMessage(t *testing.T, vp *Presentation) *Message {
	t.Helper()
	payload, err := json.Marshal(askPayload{Presentation: vp})
	require.NoError(t, err)
	return &Message{ID: "2", Type: TypeAskForService, Payload: payload}
}

func sessionStates(s *Session) []State {
	var out []State
	for _, tr := range s.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestProtocolHappyPath(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newProtocolFixture(t)

	resp := f.handler.Handle(ctx, &Message{ID: "1", Type: TypePresentationRequest, Sender: f.holder.id.DID()})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(TypeChallenge, resp.Type)
	assert.Len(resp.Challenge, 64)
	assert.Contains(resp.Address, f.provider.Hex())
	assert.Equal(StateChallengeIssued, resp.Session.Current())

	vp := f.holder.present(t, resp.Challenge, f.holder.delegation(f.provider, 1))
	resp = f.handler.Handle(ctx, askMessage(t, vp))
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)
	assert.Equal(TypeServiceRequestConfirmation, resp.Type)
	assert.Equal(common.HexToHash("0xbeef").Hex(), resp.TransactionHash)
	assert.Equal("svc-1", resp.Services[0].ID)
	assert.Equal([]State{StateVerifying, StateRedeeming, StateConfirmed}, sessionStates(resp.Session))
	assert.Len(f.relay.Submitted(), 1)

	// replay of the same presentation fails verification
	resp = f.handler.Handle(ctx, askMessage(t, vp))
	assert.Equal(http.StatusBadRequest, resp.Status)
	assert.Equal(CodeVerificationFailed, resp.Code)
	assert.Len(f.relay.Submitted(), 1)
}

func TestProtocolVerificationFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newProtocolFixture(t)

	challenge, err := f.challenges.Issue("")
	require.NoError(t, err)
	vp := f.holder.present(t, challenge, f.holder.delegation(f.provider, 1))
	vp.Proof.ProofValue = "0x" + fmt.Sprintf("%0130x", 7)

	resp := f.handler.Handle(ctx, askMessage(t, vp))
	assert.Equal(http.StatusBadRequest, resp.Status)
	assert.Equal(TypeError, resp.Type)
	assert.Equal(CodeVerificationFailed, resp.Code)
	assert.Equal([]State{StateVerifying, StateRejected}, sessionStates(resp.Session))
	assert.Empty(f.relay.Submitted(), "no redemption attempted")

	resp = f.handler.Handle(ctx, &Message{Type: TypeAskForService, Payload: json.RawMessage(`{}`)})
	assert.Equal(http.StatusBadRequest, resp.Status)
	assert.Equal(CodeVerificationFailed, resp.Code)
}

func TestProtocolRedemptionFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newProtocolFixture(t)
	f.relay.awaitErr = fmt.Errorf("%w: operation reverted", ErrSubmissionError)

	challenge, err := f.challenges.Issue("")
	require.NoError(t, err)
	vp := f.holder.present(t, challenge, f.holder.delegation(f.provider, 1))

	resp := f.handler.Handle(ctx, askMessage(t, vp))
	assert.Equal(http.StatusInternalServerError, resp.Status)
	assert.Equal(CodeRedemptionFailed, resp.Code)
	assert.Equal([]State{StateVerifying, StateRedeeming, StateRejected}, sessionStates(resp.Session))
}

func TestProtocolInvalidDelegation(t *testing.T) {
	ctx := context.Background()
	f := newProtocolFixture(t)

	challenge, err := f.challenges.Issue("")
	require.NoError(t, err)
	// delegated to somebody other than the provider
	vp := f.holder.present(t, challenge, f.holder.delegation(common.HexToAddress(testAccountHex), 1))

	resp := f.handler.Handle(ctx, askMessage(t, vp))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, CodeInvalidDelegation, resp.Code)
	assert.Empty(t, f.relay.Submitted())
}

func TestProtocolUnsupportedType(t *testing.T) {
	f := newProtocolFixture(t)
	resp := f.handler.Handle(context.Background(), &Message{ID: "9", Type: "Ping"})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, CodeUnsupportedType, resp.Code)
	assert.Equal(t, "9", resp.ThreadID)
	assert.Nil(t, resp.Session)
	assert.Zero(t, f.challenges.Len())
}

func TestSessionTransitions(t *testing.T) {
	s := newSession("", StateIdle)
	require.NoError(t, s.transition(StateChallengeIssued, ""))
	assert.ErrorIs(t, s.transition(StateConfirmed, ""), ErrInvalidTransition)
	require.NoError(t, s.transition(StateRejected, "expired"))
	assert.ErrorIs(t, s.transition(StateVerifying, ""), ErrInvalidTransition)
	assert.Equal(t, StateRejected, s.Current())
}

func TestProtocolUnboundVerificationMethod(t *testing.T) {
	ctx := context.Background()
	holder := newTestHolder(t, 84532)
	contract := &fakeAccountContract{owners: map[common.Address]common.Address{holder.account: holder.owner}}
	challenges := NewChallengeRegistry(time.Minute)

	// the holder's document lists only a key bound to some other account
	other := common.HexToAddress(testAccountHex)
	resolver := staticResolver{holder.id.DID(): &Document{
		ID: holder.id.DID(),
		VerificationMethod: []VerificationMethod{{
			ID:                  holder.id.DID() + "#other",
			Type:                "EcdsaSecp256k1RecoveryMethod2020",
			Controller:          holder.id.DID(),
			BlockchainAccountID: "eip155:84532:" + other.Hex(),
		}},
		Authentication:  []MethodRef{{Ref: holder.id.DID() + "#other"}},
		AssertionMethod: []MethodRef{{Ref: holder.id.DID() + "#other"}},
	}}
	verifier := NewPresentationVerifier(resolver, contract, challenges, VerifierConfig{ChainID: 84532}, nil)
	relay := newMockRelay()
	exec := newTestExecutor(t, relay, ExecutorConfig{})
	h := NewHandler(verifier, exec, challenges, HandlerConfig{Address: "provider"}, nil)

	resp := h.Handle(ctx, &Message{Type: TypePresentationRequest})
	require.Equal(t, http.StatusOK, resp.Status)
	vp := holder.present(t, resp.Challenge, holder.delegation(exec.Account().Address(), 1))

	resp = h.Handle(ctx, askMessage(t, vp))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, CodeVerificationFailed, resp.Code)
	assert.Empty(t, relay.Submitted(), "no redemption attempted")
	assert.Zero(t, contract.Calls(), "signature never checked")
	assert.True(t, challenges.Valid(vp.Proof.Challenge), "challenge not consumed by a rejected presentation")
}

func TestProtocolConfirmationDefaultsServices(t *testing.T) {
	ctx := context.Background()
	holder := newTestHolder(t, 84532)
	verifier, challenges, _ := newTestVerifier(t, holder)
	relay := newMockRelay()
	exec := newTestExecutor(t, relay, ExecutorConfig{})
	h := NewHandler(verifier, exec, challenges, HandlerConfig{Address: "provider"}, nil)

	resp := h.Handle(ctx, &Message{ID: "1", Type: TypePresentationRequest, Sender: holder.id.DID()})
	require.Equal(t, http.StatusOK, resp.Status)
	vp := holder.present(t, resp.Challenge, holder.delegation(exec.Account().Address(), 1))

	resp = h.Handle(ctx, askMessage(t, vp))
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)
	assert.Equal(t, TypeServiceRequestConfirmation, resp.Type)
	assert.Equal(t, []Service{DefaultService}, resp.Services)

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"services":[{"id":"service"`)
}

func TestProtocolNilChallengeRegistry(t *testing.T) {
	h := NewHandler(nil, nil, nil, HandlerConfig{Address: "provider"}, nil)
	resp := h.Handle(context.Background(), &Message{ID: "1", Type: TypePresentationRequest})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Len(t, resp.Challenge, 64)
}
