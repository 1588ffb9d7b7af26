package didpay

import "errors"

var (
	// Returned by ParseIdentifier (as a wrapped error) when the string is not a five-part DID
	ErrMalformedIdentifier = errors.New("malformed identifier")

	// Returned when a DID document could not be fetched or decoded
	ErrIdentifierResolutionFailed = errors.New("identifier resolution failed")

	// Returned by key manager operations which the web3 adapter can never perform
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// Returned by Web3KeyManager.Sign for unknown signing kinds
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// Returned for malformed signing payloads and credential subjects which are not well-formed delegations
	ErrInvalidSigningInput = errors.New("invalid signing input")

	// Wraps every reason a presentation was not accepted
	ErrVerificationFailed = errors.New("verification failed")

	// Returned by the executor when a redemption was not included on-chain. Never retried automatically.
	ErrRedemptionFailed = errors.New("redemption failed")

	// Returned by Relay implementations when the bundler rejected or lost an operation
	ErrSubmissionError = errors.New("submission error")

	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrContractNotFound    = errors.New("service contract not found")
	ErrInvalidContract     = errors.New("invalid service contract")
	ErrChallengeUnknown    = errors.New("unknown or expired challenge")
	ErrDelegationInFlight  = errors.New("delegation already in flight")
	ErrUnknownSigner       = errors.New("no signer registered for provider")
	ErrUnsupportedResolver = errors.New("no resolver for DID method")
)
