package smartnode

import "errors"

// Store errors.
var (
	ErrNotFound            = errors.New("smartnode: nonexistent smartnode")
	ErrEmptyAlias          = errors.New("smartnode: alias required")
	ErrDuplicateAlias      = errors.New("smartnode: alias already exists")
	ErrDuplicateCollateral = errors.New("smartnode: collateral output already used by another smartnode")
	ErrInvalidCollateral   = errors.New("smartnode: invalid collateral outpoint")
	ErrNotEligible         = errors.New("smartnode: output is not an eligible collateral")
)

// Eligibility errors, listed in the order CheckSignable evaluates them.
var (
	ErrMissingCollateralReference = errors.New("smartnode: collateral txid is not specified")
	ErrMissingCollateralKey       = errors.New("smartnode: could not allocate outpoint, collateral key is not resolved")
	ErrMissingDelegateKey         = errors.New("smartnode: delegate key is not specified")
	ErrMissingAddress             = errors.New("smartnode: smartnode has no IP address")
	ErrInsufficientConfirmations  = errors.New("smartnode: collateral payment has too few confirmations")
	ErrWrongCollateralValue       = errors.New("smartnode: collateral output has the wrong value")
	ErrCollateralSpent            = errors.New("smartnode: collateral was moved or spent")
)

// Signing and broadcast errors.
var (
	ErrChainTooShort      = errors.New("smartnode: local chain is too short to anchor a ping")
	ErrRecordChanged      = errors.New("smartnode: smartnode was edited while signing")
	ErrNotSigned          = errors.New("smartnode: announce is not signed")
	ErrNotConnected       = errors.New("smartnode: not connected")
	ErrBroadcastTimeout   = errors.New("smartnode: timed out waiting for announce reply")
	ErrErrorResponse      = errors.New("smartnode: error response")
	ErrUnexpectedResponse = errors.New("smartnode: unexpected response")
	ErrAnnounceRejected   = errors.New("smartnode: announce was rejected")
)

// ErrInvalidConfLine wraps every configuration line parse failure.
var ErrInvalidConfLine = errors.New("smartnode: invalid configuration line")
