package finance

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lotledger/lotledger/internal/platform/httpx"
	"github.com/lotledger/lotledger/internal/shared"
)

// Handler wires HTTP endpoints for the finance module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the finance handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers finance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/entries", h.handleListEntries)
	r.Get("/suppliers/{supplierID}/balance", h.handleSupplierBalance)
}

type entriesResponse struct {
	Entries    []Entry           `json:"entries"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ownerID, _ := strconv.ParseInt(q.Get("owner_id"), 10, 64)
	supplierID, _ := strconv.ParseInt(q.Get("supplier_id"), 10, 64)
	lotID, _ := strconv.ParseInt(q.Get("lot_id"), 10, 64)
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	entries, pagination, err := h.service.ListEntriesPage(r.Context(), EntryFilter{
		OwnerID:    ownerID,
		SupplierID: supplierID,
		LotID:      lotID,
	}, page, perPage)
	if err != nil {
		h.logger.Error("list financial entries", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	h.writeJSON(w, http.StatusOK, entriesResponse{Entries: entries, Pagination: pagination})
}

func (h *Handler) handleSupplierBalance(w http.ResponseWriter, r *http.Request) {
	supplierID, err := strconv.ParseInt(chi.URLParam(r, "supplierID"), 10, 64)
	if err != nil || supplierID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid supplier id")
		return
	}
	ownerID, _ := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)

	balance, err := h.service.SupplierBalance(r.Context(), ownerID, supplierID)
	if err != nil {
		h.logger.Error("supplier balance", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	httpx.JSON(w, status, body)
}
