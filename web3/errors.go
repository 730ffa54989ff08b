package web3

import "strings"

// Send-error classification. Nodes report these conditions as plain error
// strings, so matching on substrings is the only portable option.

func IsNonceTooHigh(err error) bool {
	return containsErr(err, "nonce too high")
}

func IsNonceTooLow(err error) bool {
	return containsErr(err, "nonce too low")
}

func IsUnderpriced(err error) bool {
	return containsErr(err, "replacement transaction underpriced") ||
		containsErr(err, "transaction underpriced") ||
		containsErr(err, "tip too low")
}

func IsFeeTooLow(err error) bool {
	return containsErr(err, "fee cap too low") ||
		containsErr(err, "max priority fee per gas higher than max fee per gas") ||
		containsErr(err, "max fee per gas less than block base fee")
}

func IsAlreadyKnown(err error) bool {
	return containsErr(err, "already known")
}

// IsBenignSendErr reports whether a send failure means the transaction is in
// fact already on its way: the mempool knows it or the nonce has been used.
func IsBenignSendErr(err error) bool {
	return IsAlreadyKnown(err) || IsNonceTooLow(err)
}

func containsErr(err error, sub string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(sub))
}
