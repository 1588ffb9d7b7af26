package didpay

import (
	"context"
	"fmt"
	"strings"
)

// Resolver resolves a DID to its document. Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// PKHResolver resolves did:pkh identifiers locally. The document is a pure
// function of the identifier, so no network access is needed.
type PKHResolver struct{}

var _ Resolver = PKHResolver{}

const pkhMethodFragment = "blockchainAccountId"

func (PKHResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	id, err := ParseIdentifier(did)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentifierResolutionFailed, err)
	}
	if id.Method() != "pkh" {
		return nil, fmt.Errorf("%w: not a did:pkh identifier: %s", ErrIdentifierResolutionFailed, did)
	}
	if id.Namespace() != NamespaceEIP155 {
		return nil, fmt.Errorf("%w: unsupported did:pkh namespace %q", ErrIdentifierResolutionFailed, id.Namespace())
	}

	docID := id.DID()
	vmID := docID + "#" + pkhMethodFragment
	return &Document{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/suites/secp256k1recovery-2020/v2",
		},
		ID: docID,
		VerificationMethod: []VerificationMethod{{
			ID:                  vmID,
			Type:                KeyTypeEcdsaSecp256k1RecoveryMethod2020,
			Controller:          docID,
			BlockchainAccountID: id.CAIP10(),
		}},
		Authentication:  []MethodRef{{Ref: vmID}},
		AssertionMethod: []MethodRef{{Ref: vmID}},
	}, nil
}

// MultiResolver routes resolution by DID method ("pkh", "ethr", "web", ...).
// The registry is fixed at construction.
type MultiResolver struct {
	byMethod map[string]Resolver
	fallback Resolver
}

var _ Resolver = (*MultiResolver)(nil)

// NewMultiResolver builds a router. fallback may be nil, in which case unknown methods fail.
func NewMultiResolver(byMethod map[string]Resolver, fallback Resolver) *MultiResolver {
	m := make(map[string]Resolver, len(byMethod))
	for k, v := range byMethod {
		m[k] = v
	}
	return &MultiResolver{byMethod: m, fallback: fallback}
}

func (r *MultiResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) < 3 || parts[0] != "did" {
		return nil, fmt.Errorf("%w: %w: %q", ErrIdentifierResolutionFailed, ErrMalformedIdentifier, did)
	}
	res, ok := r.byMethod[parts[1]]
	if !ok {
		res = r.fallback
	}
	if res == nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrIdentifierResolutionFailed, ErrUnsupportedResolver, parts[1])
	}
	return res.Resolve(ctx, did)
}
