package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fantasim/utxo-recycler/internal/chainclient"
	"github.com/fantasim/utxo-recycler/internal/lightning/lnurl"
	"github.com/fantasim/utxo-recycler/internal/recycleerr"
	"github.com/fantasim/utxo-recycler/internal/store"
)

// RecycleDeps bundles the dependencies the creation API needs: the store,
// the chain client for address derivation, and an LNURL client to validate
// the lightning address resolves before a record is created.
type RecycleDeps struct {
	Store *store.Store
	Chain *chainclient.Client
	LNURL *lnurl.Client
}

type createRecycleRequest struct {
	LightningAddress string `json:"lightning_address"`
}

type createRecycleResponse struct {
	ID string `json:"id"`
}

// CreateRecycle handles POST /api/recycles: validates the lightning
// address, resolves its LNURL-pay params, allocates the next address
// index, derives the deposit address, and inserts the record.
func CreateRecycle(deps *RecycleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRecycleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, recycleerr.CodeInvalidLightningAddress, "invalid request body")
			return
		}

		normalized, err := lnurl.ValidateAddress(req.LightningAddress)
		if err != nil {
			writeError(w, http.StatusBadRequest, recycleerr.CodeInvalidLightningAddress, err.Error())
			return
		}

		if _, err := deps.LNURL.FetchPayParams(r.Context(), normalized); err != nil {
			slog.Warn("lnurl resolve failed for new recycle", "lightningAddress", normalized, "error", err)
			writeError(w, http.StatusBadRequest, recycleerr.CodeLNURLResolveFailed, err.Error())
			return
		}

		id := uuid.NewString()
		rec, err := deps.Store.AllocateIndexAndCreate(r.Context(), id, normalized, deps.Chain.PeekAddress)
		if err != nil {
			slog.Error("failed to create recycle", "error", err)
			writeError(w, http.StatusInternalServerError, recycleerr.CodeIndexAllocationFailed, "failed to create recycle")
			return
		}

		// Widens the chain client's in-memory scan range so the next sync
		// covers this address; it has no failure path. After a restart the
		// server re-reveals every stored index before its first full scan.
		deps.Chain.RevealAddressesUpTo(rec.AddressIndex)

		writeJSON(w, http.StatusCreated, createRecycleResponse{ID: rec.ID})
	}
}

// GetRecycle handles GET /api/recycles/{id}: a read-only status query.
func GetRecycle(deps *RecycleDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := deps.Store.FindByID(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, recycleerr.CodeInternal, "recycle not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}
