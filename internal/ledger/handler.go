package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lotledger/lotledger/internal/platform/httpx"
	"github.com/lotledger/lotledger/internal/shared"
)

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/restock", h.handleRestock)
	r.Post("/adjustments", h.handleAdjust)
	r.Post("/damage", h.handleDamage)
	r.Post("/bulk-adjustments", h.handleBulkAdjust)
	r.Post("/corrections", h.handleCorrection)
	r.Post("/consume", h.handleConsume)
	r.Get("/lots", h.handleListLots)
	r.Get("/lots/{lotID}", h.handleGetLot)
	r.Get("/lots/{lotID}/history", h.handleLotHistory)
	r.Get("/stock/{productID}", h.handleProductStock)
}

type restockRequest struct {
	ProductID      int64   `json:"product_id" validate:"required"`
	OwnerID        int64   `json:"owner_id" validate:"required"`
	Quantity       float64 `json:"quantity" validate:"required,gt=0"`
	CostPrice      float64 `json:"cost_price" validate:"required,gt=0"`
	SupplierID     int64   `json:"supplier_id"`
	IsOwnPurchase  bool    `json:"is_own_purchase"`
	IsCredit       bool    `json:"is_credit"`
	Notes          string  `json:"notes"`
	IdempotencyKey string  `json:"idempotency_key"`
}

func (h *Handler) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if !h.decode(w, r, &req) {
		return
	}
	lot, err := h.service.Restock(r.Context(), RestockInput{
		ProductID:      req.ProductID,
		OwnerID:        req.OwnerID,
		Quantity:       req.Quantity,
		CostPrice:      req.CostPrice,
		SupplierID:     req.SupplierID,
		IsOwnPurchase:  req.IsOwnPurchase,
		IsCredit:       req.IsCredit,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, lot)
}

type adjustRequest struct {
	LotID         int64    `json:"lot_id" validate:"required"`
	OwnerID       int64    `json:"owner_id" validate:"required"`
	DeltaQuantity float64  `json:"delta_quantity"`
	NewCostPrice  *float64 `json:"new_cost_price" validate:"omitempty,gt=0"`
	Notes         string   `json:"notes"`
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	lot, err := h.service.Adjust(r.Context(), AdjustInput{
		LotID:         req.LotID,
		OwnerID:       req.OwnerID,
		DeltaQuantity: req.DeltaQuantity,
		NewCostPrice:  req.NewCostPrice,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lot)
}

type damageRequest struct {
	LotID           int64   `json:"lot_id" validate:"required"`
	OwnerID         int64   `json:"owner_id" validate:"required"`
	DamagedQuantity float64 `json:"damaged_quantity" validate:"required,gt=0"`
	Notes           string  `json:"notes"`
}

func (h *Handler) handleDamage(w http.ResponseWriter, r *http.Request) {
	var req damageRequest
	if !h.decode(w, r, &req) {
		return
	}
	lot, err := h.service.AdjustForDamage(r.Context(), DamageInput{
		LotID:           req.LotID,
		OwnerID:         req.OwnerID,
		DamagedQuantity: req.DamagedQuantity,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lot)
}

type bulkAdjustRequest struct {
	ProductID   int64           `json:"product_id" validate:"required"`
	OwnerID     int64           `json:"owner_id" validate:"required"`
	Adjustments []adjustRequest `json:"adjustments" validate:"required,min=1,dive"`
}

func (h *Handler) handleBulkAdjust(w http.ResponseWriter, r *http.Request) {
	var req bulkAdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := BulkAdjustInput{ProductID: req.ProductID, OwnerID: req.OwnerID}
	for _, adj := range req.Adjustments {
		input.Adjustments = append(input.Adjustments, AdjustInput{
			LotID:         adj.LotID,
			OwnerID:       adj.OwnerID,
			DeltaQuantity: adj.DeltaQuantity,
			NewCostPrice:  adj.NewCostPrice,
			Notes:         adj.Notes,
		})
	}
	lots, err := h.service.AdjustMany(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lots)
}

type correctionRequest struct {
	LotID        int64   `json:"lot_id" validate:"required"`
	OwnerID      int64   `json:"owner_id" validate:"required"`
	NewCostPrice float64 `json:"new_cost_price" validate:"required,gt=0"`
	Notes        string  `json:"notes"`
}

func (h *Handler) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if !h.decode(w, r, &req) {
		return
	}
	lot, err := h.service.CorrectCost(r.Context(), CorrectionInput{
		LotID:        req.LotID,
		OwnerID:      req.OwnerID,
		NewCostPrice: req.NewCostPrice,
		Notes:        req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lot)
}

type consumeRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	OwnerID   int64   `json:"owner_id" validate:"required"`
	Quantity  float64 `json:"quantity" validate:"required,gt=0"`
	Policy    string  `json:"policy" validate:"omitempty,oneof=FIFO LIFO"`
	Notes     string  `json:"notes"`
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.ConsumeStock(r.Context(), ConsumeInput{
		ProductID: req.ProductID,
		OwnerID:   req.OwnerID,
		Quantity:  req.Quantity,
		Policy:    Policy(req.Policy),
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	productID, _ := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	ownerID, _ := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	lots, err := h.service.ListLots(r.Context(), productID, ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lots)
}

func (h *Handler) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lotID, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid lot id"})
		return
	}
	ownerID, _ := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	lot, err := h.service.GetLot(r.Context(), lotID, ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lot)
}

func (h *Handler) handleLotHistory(w http.ResponseWriter, r *http.Request) {
	lotID, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid lot id"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.service.History(r.Context(), MutationFilter{LotID: lotID, Limit: limit})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleProductStock(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid product id"})
		return
	}
	ownerID, _ := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	stock, err := h.service.GetProductStock(r.Context(), productID, ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stock)
}

type errorBody struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
	Needed     *float64 `json:"needed,omitempty"`
	Available  *float64 `json:"available,omitempty"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	if err := h.validator.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		body := errorBody{Error: "validation failed"}
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				body.Violations = append(body.Violations, fe.Error())
			}
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, body)
		return false
	}
	return true
}

// writeError maps ledger errors onto HTTP statuses with their structured
// numeric context intact.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Violations: verr.Violations})
	case errors.As(err, &insufficient):
		h.writeJSON(w, http.StatusConflict, errorBody{
			Error:     "insufficient stock",
			Needed:    &insufficient.Needed,
			Available: &insufficient.Available,
		})
	case errors.Is(err, ErrNoStockAvailable):
		h.writeJSON(w, http.StatusConflict, errorBody{Error: "no stock available"})
	case errors.Is(err, ErrNegativeRemaining):
		h.writeJSON(w, http.StatusConflict, errorBody{Error: "remaining quantity would become negative"})
	case errors.Is(err, ErrInvalidQuantity):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "quantity must be greater than zero"})
	case errors.Is(err, ErrLotCorrected):
		h.writeJSON(w, http.StatusConflict, errorBody{Error: "lot has been corrected"})
	case errors.Is(err, ErrUnauthorized):
		h.writeJSON(w, http.StatusForbidden, errorBody{Error: "owner mismatch"})
	case errors.Is(err, shared.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, shared.ErrIdempotencyConflict):
		h.writeJSON(w, http.StatusConflict, errorBody{Error: "request already processed"})
	case errors.Is(err, ErrTransactionConflict):
		h.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "transaction conflict, retry later"})
	default:
		h.logger.Error("ledger handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	httpx.JSON(w, status, body)
}
