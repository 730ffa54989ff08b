package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface. Error() returns a
// human-readable description of the error.
//
// The Code is the stable wire enum of the rejection; clients switch on it.
// NEVER change an existing code, only append new ones. There is no
// correlation between a code and its HTTP status beyond what reads natural
// for that failure.
var (
	ErrMalformedBody      = Error{Code: "invalid-request", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrMalformedParam     = Error{Code: "invalid-request", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed parameter")}
	ErrInvalidRequest     = Error{Code: "invalid-request", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid request")}
	ErrUnsupportedNetwork = Error{Code: "unsupported-network", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("unsupported network")}
	ErrNotAllowlisted     = Error{Code: "not-allowlisted", HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("sender not allowlisted")}
	ErrQuotaExceeded      = Error{Code: "quota-exceeded", HTTPstatus: http.StatusTooManyRequests, Err: fmt.Errorf("quota exceeded")}
	ErrGasCapExceeded     = Error{Code: "gas-cap-exceeded", HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("gas cap exceeded")}
	ErrTokenCapExceeded   = Error{Code: "token-cap-exceeded", HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("token cap exceeded")}
	ErrWouldRevert        = Error{Code: "would-revert", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("transaction would revert")}
	ErrFeeCapTooLow       = Error{Code: "fee-cap-too-low", HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("fee cap below network conditions")}
	ErrGasLimitTooLow     = Error{Code: "gas-limit-too-low", HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("declared gas limit too low")}
	ErrRelayerSaturated   = Error{Code: "relayer-saturated", HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("relayer saturated")}
	ErrAllocatorStalled   = Error{Code: "internal", HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("relayer nonce source unavailable")}
	ErrResourceNotFound   = Error{Code: "not-found", HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrNotReady           = Error{Code: "not-ready", HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("service not ready")}

	ErrMarshalingServerJSONFailed = Error{Code: "internal", HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: "internal", HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
)
