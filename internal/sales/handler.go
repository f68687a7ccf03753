package sales

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lotledger/lotledger/internal/ledger"
	"github.com/lotledger/lotledger/internal/platform/httpx"
	"github.com/lotledger/lotledger/internal/shared"
)

// Handler wires HTTP endpoints for the sales module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreateSale)
	r.Get("/{saleID}", h.handleGetSale)
}

type createSaleRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	OwnerID   int64   `json:"owner_id" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"required,gt=0"`
	Policy    string  `json:"policy" validate:"omitempty,oneof=FIFO LIFO"`
	Notes     string  `json:"notes"`
}

type saleResponse struct {
	Sale  Sale       `json:"sale"`
	Lines []SaleLine `json:"lines"`
}

func (h *Handler) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return
	}

	sale, lines, err := h.service.CreateSale(r.Context(), CreateSaleInput{
		ProductID: req.ProductID,
		OwnerID:   req.OwnerID,
		Quantity:  req.Quantity,
		Policy:    req.Policy,
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, saleResponse{Sale: sale, Lines: lines})
}

func (h *Handler) handleGetSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := strconv.ParseInt(chi.URLParam(r, "saleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid sale id")
		return
	}
	sale, lines, err := h.service.GetSale(r.Context(), saleID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, saleResponse{Sale: sale, Lines: lines})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientStockError
	switch {
	case errors.Is(err, ErrInvalidSale):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.As(err, &insufficient), errors.Is(err, ledger.ErrNoStockAvailable):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	default:
		h.logger.Error("sales handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	httpx.JSON(w, status, body)
}
