package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/relayforge/relay-node/forwarder"
	"github.com/relayforge/relay-node/nonce"
	"github.com/relayforge/relay-node/policy"
	"github.com/relayforge/relay-node/relay"
	"github.com/relayforge/relay-node/types"
)

// relay handles POST /relay. It decodes the signed forward request, runs it
// through the submission pipeline and returns the transaction hash, or a
// rejection envelope with the stable code of the failed stage.
func (a *API) relay(w http.ResponseWriter, r *http.Request) {
	req := new(types.ForwardRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}

	res, err := a.relayer.Relay(r.Context(), req)
	if err != nil {
		relayError(err).Write(w)
		return
	}

	httpWriteJSON(w, &RelayResponse{
		OK:       true,
		TxHash:   res.TxHash,
		GasPrice: res.GasPrice,
		GasLimit: res.GasLimit,
	})
}

// relayError maps a pipeline failure to its API error. The order follows
// the pipeline stages so the most specific match wins.
func relayError(err error) Error {
	var invalid *forwarder.InvalidRequestError
	if errors.As(err, &invalid) {
		return ErrInvalidRequest.WithErr(invalid)
	}
	var rejection *policy.Rejection
	if errors.As(err, &rejection) {
		switch rejection.Kind {
		case types.RuleKindAllowlist:
			return ErrNotAllowlisted.Withf("%s", rejection.Reason)
		case types.RuleKindQuota:
			return ErrQuotaExceeded.Withf("%s", rejection.Reason)
		case types.RuleKindGasCap:
			return ErrGasCapExceeded.Withf("%s", rejection.Reason)
		case types.RuleKindTokenCap:
			return ErrTokenCapExceeded.Withf("%s", rejection.Reason)
		}
	}
	switch {
	case errors.Is(err, forwarder.ErrUnsupportedNetwork):
		return ErrUnsupportedNetwork.WithErr(err)
	case errors.Is(err, relay.ErrWouldRevert):
		return ErrWouldRevert.WithErr(err)
	case errors.Is(err, relay.ErrFeeCapTooLow):
		return ErrFeeCapTooLow.WithErr(err)
	case errors.Is(err, relay.ErrGasLimitTooLow):
		return ErrGasLimitTooLow.WithErr(err)
	case errors.Is(err, nonce.ErrSaturated):
		return ErrRelayerSaturated.WithErr(err)
	case errors.Is(err, nonce.ErrStalled):
		return ErrAllocatorStalled.WithErr(err)
	}
	return ErrGenericInternalServerError.WithErr(err)
}
