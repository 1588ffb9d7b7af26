package didpay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Verification relationships ("sections") of a DID document.
type Section string

const (
	SectionVerificationMethod   Section = "verificationMethod"
	SectionAuthentication       Section = "authentication"
	SectionAssertionMethod      Section = "assertionMethod"
	SectionKeyAgreement         Section = "keyAgreement"
	SectionCapabilityInvocation Section = "capabilityInvocation"
	SectionCapabilityDelegation Section = "capabilityDelegation"
)

type PublicKeyJwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y,omitempty"`
}

type VerificationMethod struct {
	ID                  string        `json:"id"`
	Type                string        `json:"type"`
	Controller          string        `json:"controller"`
	PublicKeyHex        string        `json:"publicKeyHex,omitempty"`
	PublicKeyBase58     string        `json:"publicKeyBase58,omitempty"`
	PublicKeyMultibase  string        `json:"publicKeyMultibase,omitempty"`
	PublicKeyJwk        *PublicKeyJwk `json:"publicKeyJwk,omitempty"`
	EthereumAddress     string        `json:"ethereumAddress,omitempty"`
	BlockchainAccountID string        `json:"blockchainAccountId,omitempty"`
}

// MethodRef is a verification relationship entry: either a reference to a
// method elsewhere in the document, or an embedded method.
type MethodRef struct {
	Ref      string
	Embedded *VerificationMethod
}

func (m MethodRef) MarshalJSON() ([]byte, error) {
	if m.Embedded != nil {
		return json.Marshal(m.Embedded)
	}
	return json.Marshal(m.Ref)
}

func (m *MethodRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &m.Ref)
	}
	m.Embedded = &VerificationMethod{}
	return json.Unmarshal(b, m.Embedded)
}

type DocService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Struct representing a DID document, with the fields relevant to account-bound identifiers.
type Document struct {
	Context              []string             `json:"@context,omitempty"`
	ID                   string               `json:"id"`
	Controller           []string             `json:"controller,omitempty"`
	AlsoKnownAs          []string             `json:"alsoKnownAs,omitempty"`
	VerificationMethod   []VerificationMethod `json:"verificationMethod"`
	Authentication       []MethodRef          `json:"authentication,omitempty"`
	AssertionMethod      []MethodRef          `json:"assertionMethod,omitempty"`
	KeyAgreement         []MethodRef          `json:"keyAgreement,omitempty"`
	CapabilityInvocation []MethodRef          `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []MethodRef          `json:"capabilityDelegation,omitempty"`
	Service              []DocService         `json:"service,omitempty"`
}

// Methods returns the verification methods listed under a section, with
// references dereferenced against the document's verificationMethod list.
// Dangling references are dropped.
func (d *Document) Methods(section Section) ([]VerificationMethod, error) {
	var refs []MethodRef
	switch section {
	case SectionVerificationMethod:
		return d.VerificationMethod, nil
	case SectionAuthentication:
		refs = d.Authentication
	case SectionAssertionMethod:
		refs = d.AssertionMethod
	case SectionKeyAgreement:
		refs = d.KeyAgreement
	case SectionCapabilityInvocation:
		refs = d.CapabilityInvocation
	case SectionCapabilityDelegation:
		refs = d.CapabilityDelegation
	default:
		return nil, fmt.Errorf("unknown document section: %s", section)
	}

	out := make([]VerificationMethod, 0, len(refs))
	for _, ref := range refs {
		if ref.Embedded != nil {
			out = append(out, *ref.Embedded)
			continue
		}
		if vm := d.findMethod(ref.Ref); vm != nil {
			out = append(out, *vm)
		}
	}
	return out, nil
}

// Method looks up a single verification method by (possibly relative) id.
func (d *Document) Method(id string) *VerificationMethod {
	if vm := d.findMethod(id); vm != nil {
		return vm
	}
	for _, section := range []Section{SectionAuthentication, SectionAssertionMethod, SectionKeyAgreement, SectionCapabilityInvocation, SectionCapabilityDelegation} {
		methods, _ := d.Methods(section)
		for i := range methods {
			if d.sameID(methods[i].ID, id) {
				return &methods[i]
			}
		}
	}
	return nil
}

func (d *Document) findMethod(id string) *VerificationMethod {
	for i := range d.VerificationMethod {
		if d.sameID(d.VerificationMethod[i].ID, id) {
			return &d.VerificationMethod[i]
		}
	}
	return nil
}

// relative ids ("#key-1") are resolved against the document id
func (d *Document) sameID(a, b string) bool {
	abs := func(s string) string {
		if strings.HasPrefix(s, "#") {
			return d.ID + s
		}
		return s
	}
	return abs(a) == abs(b)
}
