package didpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ProofTypePersonalSignature is the only proof type accepted on presentations:
// an EIP-191 personal-message signature over the canonical presentation,
// validated by the holder account through ERC-1271.
const ProofTypePersonalSignature = "EthereumPersonalSignature2021"

var (
	DefaultPresentationContext = []string{"https://www.w3.org/2018/credentials/v1"}
	DefaultPresentationType    = []string{"VerifiablePresentation"}
	PaymentCredentialType      = []string{"VerifiableCredential", "PaymentDelegationCredential"}
)

type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created,omitempty"`
	ProofPurpose       string `json:"proofPurpose,omitempty"`
	VerificationMethod string `json:"verificationMethod"`
	Challenge          string `json:"challenge,omitempty"`
	Domain             string `json:"domain,omitempty"`
	ProofValue         string `json:"proofValue,omitempty"`
}

type Credential struct {
	Context           []string        `json:"@context,omitempty"`
	ID                string          `json:"id,omitempty"`
	Type              []string        `json:"type,omitempty"`
	Issuer            string          `json:"issuer,omitempty"`
	IssuanceDate      string          `json:"issuanceDate,omitempty"`
	CredentialSubject json.RawMessage `json:"credentialSubject"`
	Proof             *Proof          `json:"proof,omitempty"`
}

// Presentation is a holder-signed bundle of credentials. Constructed per request, never persisted.
type Presentation struct {
	Context              []string     `json:"@context,omitempty"`
	ID                   string       `json:"id,omitempty"`
	Type                 []string     `json:"type,omitempty"`
	Holder               string       `json:"holder"`
	VerifiableCredential []Credential `json:"verifiableCredential"`
	Proof                *Proof       `json:"proof,omitempty"`
}

// SigningInput returns the canonical bytes a presentation proof covers: the
// presentation without proof.proofValue, as JSON with object keys sorted and
// no insignificant whitespace.
func SigningInput(vp *Presentation) ([]byte, error) {
	unsigned := *vp
	if vp.Proof != nil {
		p := *vp.Proof
		p.ProofValue = ""
		unsigned.Proof = &p
	}
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	return canonicalJSON(raw)
}

// SigningHash is the EIP-191 digest of SigningInput, as passed to isValidSignature.
func SigningHash(vp *Presentation) (common.Hash, error) {
	in, err := SigningInput(vp)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(accounts.TextHash(in)), nil
}

// canonicalJSON re-encodes a JSON document through generic maps, which
// encoding/json emits with sorted keys. Number literals are preserved.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// NewPaymentPresentation wraps delegations into an unsigned presentation held by holder.
func NewPaymentPresentation(holder Identifier, delegations ...*PaymentDelegation) (*Presentation, error) {
	vp := &Presentation{
		Context: DefaultPresentationContext,
		Type:    DefaultPresentationType,
		Holder:  holder.DID(),
	}
	for _, d := range delegations {
		subject, err := json.Marshal(map[string]any{
			"id":                holder.DID(),
			"paymentDelegation": d,
		})
		if err != nil {
			return nil, err
		}
		vp.VerifiableCredential = append(vp.VerifiableCredential, Credential{
			Context:           DefaultPresentationContext,
			Type:              PaymentCredentialType,
			Issuer:            holder.DID(),
			IssuanceDate:      time.Now().UTC().Format(time.RFC3339),
			CredentialSubject: subject,
		})
	}
	return vp, nil
}

// PresentationSigner produces the holder's signature. *Web3KeyManager implements it.
type PresentationSigner interface {
	Sign(ctx context.Context, kid string, algorithm string, payload []byte) ([]byte, error)
}

// SignPresentation attaches a personal-signature proof bound to challenge and
// domain, signed through the key manager entry kid. vm is the holder's
// verification method id.
func SignPresentation(ctx context.Context, vp *Presentation, signer PresentationSigner, kid, vm, challenge, domain string) error {
	vp.Proof = &Proof{
		Type:               ProofTypePersonalSignature,
		Created:            time.Now().UTC().Format(time.RFC3339),
		ProofPurpose:       "authentication",
		VerificationMethod: vm,
		Challenge:          challenge,
		Domain:             domain,
	}
	in, err := SigningInput(vp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSigningInput, err)
	}
	sig, err := signer.Sign(ctx, kid, AlgorithmSignMessage, in)
	if err != nil {
		return err
	}
	vp.Proof.ProofValue = hexutil.Encode(sig)
	return nil
}
