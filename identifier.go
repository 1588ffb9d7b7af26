package didpay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ethereum/go-ethereum/common"
)

const NamespaceEIP155 = "eip155"

// Identifier is a parsed blockchain-account DID of the form
// did:<method>:<namespace>:<chainId>:<address>[#fragment], eg "did:pkh:eip155:84532:0xab...".
type Identifier struct {
	method    string
	namespace string
	chainID   uint64
	address   string
	fragment  string
}

// ParseIdentifier parses and validates a DID string. Errors wrap ErrMalformedIdentifier.
func ParseIdentifier(raw string) (Identifier, error) {
	s, fragment, _ := strings.Cut(strings.TrimSpace(raw), "#")
	if _, err := syntax.ParseDID(s); err != nil {
		return Identifier{}, fmt.Errorf("%w: %v", ErrMalformedIdentifier, err)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return Identifier{}, fmt.Errorf("%w: expected 5 parts, got %d", ErrMalformedIdentifier, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return Identifier{}, fmt.Errorf("%w: empty component", ErrMalformedIdentifier)
		}
	}
	chainID, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: chain id %q is not numeric", ErrMalformedIdentifier, parts[3])
	}
	id := Identifier{
		method:    parts[1],
		namespace: parts[2],
		chainID:   chainID,
		address:   parts[4],
		fragment:  fragment,
	}
	if id.namespace == NamespaceEIP155 {
		if !common.IsHexAddress(id.address) {
			return Identifier{}, fmt.Errorf("%w: invalid account address %q", ErrMalformedIdentifier, id.address)
		}
	}
	return id, nil
}

// MustParseIdentifier is like ParseIdentifier but panics on error. Intended for constants and tests.
func MustParseIdentifier(raw string) Identifier {
	id, err := ParseIdentifier(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// NewPKHIdentifier builds the did:pkh identifier for an EVM account.
func NewPKHIdentifier(chainID uint64, account common.Address) Identifier {
	return Identifier{
		method:    "pkh",
		namespace: NamespaceEIP155,
		chainID:   chainID,
		address:   account.Hex(),
	}
}

func (id Identifier) Method() string    { return id.method }
func (id Identifier) Namespace() string { return id.namespace }
func (id Identifier) ChainID() uint64   { return id.chainID }
func (id Identifier) Fragment() string  { return id.fragment }
func (id Identifier) IsZero() bool      { return id.method == "" }

// Account returns the account address. Only meaningful for the eip155 namespace.
func (id Identifier) Account() common.Address {
	return common.HexToAddress(id.address)
}

// CAIP10 returns the chain-qualified account id, eg "eip155:1:0xab...".
func (id Identifier) CAIP10() string {
	return fmt.Sprintf("%s:%d:%s", id.namespace, id.chainID, id.address)
}

// DID returns the identifier without any fragment.
func (id Identifier) DID() string {
	return fmt.Sprintf("did:%s:%s", id.method, id.CAIP10())
}

func (id Identifier) String() string {
	if id.fragment == "" {
		return id.DID()
	}
	return id.DID() + "#" + id.fragment
}

// WithFragment returns a copy of the identifier referencing a fragment within its document.
func (id Identifier) WithFragment(fragment string) Identifier {
	id.fragment = fragment
	return id
}
