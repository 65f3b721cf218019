// Package errcode holds the error taxonomy shared by the ledger packages.
package errcode

import "errors"

var (
	// ErrInvalidInput marks malformed or out-of-range caller data.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMath marks overflow, division by zero or a non-representable conversion.
	ErrMath = errors.New("failed to perform some math operation safely")
	// ErrStaleFairValue is returned when a fair value is older than its threshold.
	ErrStaleFairValue = errors.New("fair value is stale, refresh it")
	// ErrHalt is returned when the operation is disabled by a halt flag.
	ErrHalt = errors.New("current operation is not available because is halted")
	// ErrOwnerRestrictedIx is returned when a restricted operation is called by someone other than the owner.
	ErrOwnerRestrictedIx = errors.New("current operation is available only for tranche config owner")
	// ErrPluginCall marks a malformed or untrusted payoff module response.
	ErrPluginCall = errors.New("payoff module call error")
	// ErrRedeemLogicNoReturn is returned when a payoff module answers without return data.
	ErrRedeemLogicNoReturn = wrap(ErrPluginCall, "payoff module returned no data")
	// ErrInvalidTrancheHaltFlags marks unknown halt flag bits.
	ErrInvalidTrancheHaltFlags = errors.New("bits passed in do not result in valid halt flags")
	// ErrInvalidOwnerRestrictedIxFlags marks unknown owner restricted flag bits.
	ErrInvalidOwnerRestrictedIxFlags = errors.New("bits passed in do not result in valid owner restricted instruction flags")
	// ErrInvalidAggregatorsNumber marks a feed source configured with too few or too many aggregators.
	ErrInvalidAggregatorsNumber = errors.New("invalid aggregators number")
	// ErrInvalidAggregatorOwner marks an aggregator that is not owned by a trusted account.
	ErrInvalidAggregatorOwner = errors.New("invalid aggregator owner")
	// ErrEmptySamples is returned when averaging an empty sampling buffer.
	ErrEmptySamples = errors.New("no samples available")
	// ErrAnotherTooRecentSample is returned when a sample arrives before the minimum tick spacing.
	ErrAnotherTooRecentSample = errors.New("another too recent sample")
	// ErrNotFound is returned by repositories for unknown identifiers.
	ErrNotFound = errors.New("not found")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrRedeemLogicNoReturn, "redeem_logic_no_return"},
	{ErrPluginCall, "plugin_call_error"},
	{ErrInvalidInput, "invalid_input"},
	{ErrMath, "math_error"},
	{ErrStaleFairValue, "stale_fair_value"},
	{ErrHalt, "halt_error"},
	{ErrOwnerRestrictedIx, "owner_restricted_ix"},
	{ErrInvalidTrancheHaltFlags, "invalid_tranche_halt_flags"},
	{ErrInvalidOwnerRestrictedIxFlags, "invalid_owner_restricted_ix_flags"},
	{ErrInvalidAggregatorsNumber, "invalid_aggregators_number"},
	{ErrInvalidAggregatorOwner, "invalid_aggregator_owner"},
	{ErrEmptySamples, "empty_samples"},
	{ErrAnotherTooRecentSample, "another_too_recent_sample"},
	{ErrNotFound, "not_found"},
}

// Code maps err onto a stable snake_case name. Nil maps to "" and
// anything outside the taxonomy to "generic_error".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "generic_error"
}

type wrapped struct {
	parent error
	msg    string
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.parent }

func wrap(parent error, msg string) error {
	return &wrapped{parent: parent, msg: msg}
}
