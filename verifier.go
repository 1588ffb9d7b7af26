package didpay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ERC1271MagicValue is returned by isValidSignature(bytes32,bytes) for valid signatures.
var ERC1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

const erc1271ABI = `[{
	"type": "function",
	"name": "isValidSignature",
	"stateMutability": "view",
	"inputs": [
		{"name": "hash", "type": "bytes32"},
		{"name": "signature", "type": "bytes"}
	],
	"outputs": [{"name": "magicValue", "type": "bytes4"}]
}]`

var erc1271 = mustABI(erc1271ABI)

type VerifierConfig struct {
	// if non-zero, holders on other chains are rejected
	ChainID uint64
	// if set, proof.domain must match
	Domain          string
	ResolveTimeout  time.Duration
	ValidateTimeout time.Duration
}

func (c *VerifierConfig) applyDefaults() {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 10 * time.Second
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = 10 * time.Second
	}
}

// PresentationVerifier accepts a presentation only when the holder's own
// account contract validates the proof signature (ERC-1271), and the proof's
// verification method is bound to that account in the holder's current DID document.
type PresentationVerifier struct {
	resolver   Resolver
	caller     ethereum.ContractCaller
	challenges *ChallengeRegistry
	sanitizer  Sanitizer
	config     VerifierConfig
	logger     *slog.Logger
}

// NewPresentationVerifier builds a verifier. challenges may be nil, in which
// case challenge freshness is not enforced.
func NewPresentationVerifier(resolver Resolver, caller ethereum.ContractCaller, challenges *ChallengeRegistry, config VerifierConfig, logger *slog.Logger) *PresentationVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()
	return &PresentationVerifier{
		resolver:   resolver,
		caller:     caller,
		challenges: challenges,
		sanitizer:  HTMLSanitizer{},
		config:     config,
		logger:     logger.With("component", "verifier"),
	}
}

func verificationFailed(err error) (bool, error) {
	if errors.Is(err, ErrVerificationFailed) {
		return false, err
	}
	return false, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
}

// Verify reports whether vp is authorized by its holder. It returns true only
// with a nil error; every failure returns false and an error wrapping ErrVerificationFailed.
func (v *PresentationVerifier) Verify(ctx context.Context, vp *Presentation) (bool, error) {
	if vp == nil || vp.Proof == nil {
		return verificationFailed(errors.New("presentation has no proof"))
	}
	proof := vp.Proof
	if proof.Type != ProofTypePersonalSignature {
		return verificationFailed(fmt.Errorf("%w: proof type %q", ErrUnsupportedAlgorithm, proof.Type))
	}

	holder, err := ParseIdentifier(v.sanitizer.Sanitize(vp.Holder))
	if err != nil {
		return verificationFailed(err)
	}
	if holder.Namespace() != NamespaceEIP155 {
		return verificationFailed(fmt.Errorf("%w: holder is not an EVM account", ErrMalformedIdentifier))
	}
	if v.config.ChainID != 0 && holder.ChainID() != v.config.ChainID {
		return verificationFailed(fmt.Errorf("holder chain %d does not match %d", holder.ChainID(), v.config.ChainID))
	}
	if v.config.Domain != "" && proof.Domain != v.config.Domain {
		return verificationFailed(fmt.Errorf("proof domain %q does not match", proof.Domain))
	}
	if v.challenges != nil && !v.challenges.ValidFor(proof.Challenge, holder.DID()) {
		return verificationFailed(ErrChallengeUnknown)
	}

	account := holder.Account()
	if err := v.checkBinding(ctx, holder, proof.VerificationMethod); err != nil {
		return verificationFailed(err)
	}

	hash, err := SigningHash(vp)
	if err != nil {
		return verificationFailed(fmt.Errorf("%w: %v", ErrInvalidSigningInput, err))
	}
	sig, err := hexutil.Decode(proof.ProofValue)
	if err != nil || len(sig) == 0 {
		return verificationFailed(fmt.Errorf("%w: malformed proofValue", ErrInvalidSigningInput))
	}

	if err := v.isValidSignature(ctx, account, hash, sig); err != nil {
		return verificationFailed(err)
	}

	// consumed last, so a failed attempt does not burn the session's challenge
	if v.challenges != nil {
		if _, err := v.challenges.Consume(proof.Challenge); err != nil {
			return verificationFailed(err)
		}
	}
	v.logger.Info("presentation verified", "holder", holder.DID(), "method", proof.VerificationMethod)
	return true, nil
}

// checkBinding resolves the holder and requires that vmID is one of its
// authentication or assertion methods, and that the method binds to the holder account.
func (v *PresentationVerifier) checkBinding(ctx context.Context, holder Identifier, vmID string) error {
	rctx, cancel := context.WithTimeout(ctx, v.config.ResolveTimeout)
	defer cancel()
	doc, err := v.resolver.Resolve(rctx, holder.DID())
	if err != nil {
		if errors.Is(err, ErrIdentifierResolutionFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrIdentifierResolutionFailed, err)
	}

	local := []KeyRecord{{KID: vmID, Type: KeyTypeSecp256k1, Account: holder.Account().Hex()}}
	for _, section := range []Section{SectionAuthentication, SectionAssertionMethod} {
		mapped, err := MapDocumentKeys(doc, section, local, v.logger)
		if err != nil {
			return err
		}
		for _, m := range mapped {
			if doc.sameID(m.Method.ID, vmID) {
				return nil
			}
		}
	}
	return fmt.Errorf("verification method %q is not bound to holder account %s", vmID, holder.Account().Hex())
}

func (v *PresentationVerifier) isValidSignature(ctx context.Context, account common.Address, hash common.Hash, sig []byte) error {
	data, err := erc1271.Pack("isValidSignature", hash, sig)
	if err != nil {
		return err
	}
	vctx, cancel := context.WithTimeout(ctx, v.config.ValidateTimeout)
	defer cancel()
	out, err := v.caller.CallContract(vctx, ethereum.CallMsg{To: &account, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("isValidSignature call on %s: %w", account.Hex(), err)
	}
	if len(out) < 4 || !bytes.Equal(out[:4], ERC1271MagicValue[:]) {
		return fmt.Errorf("account %s rejected signature", account.Hex())
	}
	return nil
}
