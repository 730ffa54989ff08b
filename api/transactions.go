package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
)

// DefaultListLimit is the page size used when a listing request carries no
// limit parameter.
const DefaultListLimit = 50

// transaction handles GET /transactions/{hash}.
func (a *API) transaction(w http.ResponseWriter, r *http.Request) {
	hash, err := types.HexStringToHexBytes(chi.URLParam(r, HashURLParam))
	if err != nil || len(hash) != 32 {
		ErrMalformedParam.Withf("invalid transaction hash").Write(w)
		return
	}

	rec, err := a.storage.Tx(hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrResourceNotFound.Withf("transaction %s", hash.String()).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, transactionResponse(rec))
}

// transactionsByAddress handles GET /transactions/address/{address}. The
// address matches either party of the forwarded call and results come back
// newest first.
func (a *API) transactionsByAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := types.HexStringToHexBytes(chi.URLParam(r, AddressURLParam))
	if err != nil || len(addr) != types.AddressLength {
		ErrMalformedParam.Withf("invalid account address").Write(w)
		return
	}

	offset, err := queryInt(r, OffsetQueryParam, 0)
	if err != nil {
		ErrMalformedParam.Withf("invalid offset").Write(w)
		return
	}
	limit, err := queryInt(r, LimitQueryParam, DefaultListLimit)
	if err != nil {
		ErrMalformedParam.Withf("invalid limit").Write(w)
		return
	}

	recs, err := a.storage.ListTxsByAddress(addr, offset, limit)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	txs := make([]*TransactionResponse, 0, len(recs))
	for _, rec := range recs {
		txs = append(txs, transactionResponse(rec))
	}
	httpWriteJSON(w, &TransactionListResponse{
		Transactions: txs,
		Offset:       offset,
		Limit:        limit,
	})
}

// queryInt parses a non-negative integer query parameter, returning def when
// the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return v, nil
}
