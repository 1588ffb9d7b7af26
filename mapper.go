package didpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

// MappedKey is a local key together with the document verification method it binds to.
type MappedKey struct {
	KeyRecord
	Method VerificationMethod `json:"method"`
}

// KeyBindingMapper binds locally known keys to the verification methods published in a DID document.
type KeyBindingMapper struct {
	resolver Resolver
	logger   *slog.Logger
}

func NewKeyBindingMapper(resolver Resolver, logger *slog.Logger) *KeyBindingMapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyBindingMapper{
		resolver: resolver,
		logger:   logger.With("component", "mapper"),
	}
}

// candidate is a verification method reduced to comparable material
type candidate struct {
	vm      VerificationMethod
	keyType KeyType
	pub     []byte
	account common.Address
	hasAcct bool
}

// MapIdentifierKeys resolves did and returns the subset of keys which bind to
// a verification method in the given section. An empty result is not an
// error; callers must treat it as "cannot verify".
func (m *KeyBindingMapper) MapIdentifierKeys(ctx context.Context, did string, section Section, keys []KeyRecord) ([]MappedKey, error) {
	doc, err := m.resolver.Resolve(ctx, did)
	if err != nil {
		if errors.Is(err, ErrIdentifierResolutionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrIdentifierResolutionFailed, err)
	}
	return MapDocumentKeys(doc, section, keys, m.logger)
}

// MapDocumentKeys is the resolution-free core of MapIdentifierKeys.
func MapDocumentKeys(doc *Document, section Section, keys []KeyRecord, logger *slog.Logger) ([]MappedKey, error) {
	methods, err := doc.Methods(section)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(methods))
	for _, vm := range methods {
		c, ok := toCandidate(vm, section)
		if !ok {
			if logger != nil {
				logger.Debug("skipping unsupported verification method", "did", doc.ID, "method", vm.ID, "type", vm.Type)
			}
			continue
		}
		candidates = append(candidates, c)
	}

	out := []MappedKey{}
	for i := range keys {
		k := &keys[i]
		switch k.Type {
		case KeyTypeSecp256k1, KeyTypeEd25519, KeyTypeX25519:
		default:
			continue
		}
		localPub := recordPublicKey(k)
		localAcct, hasLocalAcct := recordAccount(k)

		for _, c := range candidates {
			if equalKeys(localPub, c.pub) || (hasLocalAcct && c.hasAcct && localAcct == c.account) {
				out = append(out, MappedKey{KeyRecord: *k, Method: c.vm})
				break
			}
		}
	}
	return out, nil
}

func toCandidate(vm VerificationMethod, section Section) (candidate, bool) {
	c := candidate{vm: vm}
	kt, pub, err := MethodPublicKey(&vm)
	switch {
	case err == nil:
		c.keyType = kt
		c.pub = pub
	case errors.Is(err, errNoKeyMaterial) && kt != "":
		// account-only method, eg did:pkh
		c.keyType = kt
	default:
		return c, false
	}

	if section == SectionKeyAgreement && c.keyType == KeyTypeEd25519 && c.pub != nil {
		x, err := Ed25519ToX25519(c.pub)
		if err != nil {
			return c, false
		}
		c.keyType = KeyTypeX25519
		c.pub = x
	}

	c.account, c.hasAcct = MethodAccount(&vm)
	return c, true
}
