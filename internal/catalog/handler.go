package catalog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

type Handler struct {
	repo   *Repository
	logger *slog.Logger
}

func NewHandler(repo *Repository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.repo.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, products)
}

func (h *Handler) HandleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	product, err := h.repo.GetProduct(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "product_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if product == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	h.writeJSON(w, http.StatusOK, product)
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productId")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	stock, err := h.repo.GetStock(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get stock", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if stock == nil {
		h.writeError(w, http.StatusNotFound, "no tracked stock for product")
		return
	}

	h.writeJSON(w, http.StatusOK, stock)
}

type reserveRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productId")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.repo.Reserve(r.Context(), productID, req.Quantity); err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			h.writeError(w, http.StatusConflict, "insufficient stock")
			return
		}
		h.logger.Error("failed to reserve stock", "error", err, "product_id", productID, "quantity", req.Quantity)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	stock, err := h.repo.GetStock(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get updated stock", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock reserved", "product_id", productID, "quantity", req.Quantity)
	h.writeJSON(w, http.StatusOK, stock)
}

type releaseRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productId")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.repo.Release(r.Context(), productID, req.Quantity); err != nil {
		h.logger.Error("failed to release stock", "error", err, "product_id", productID, "quantity", req.Quantity)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	stock, err := h.repo.GetStock(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get updated stock", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock released", "product_id", productID, "quantity", req.Quantity)
	h.writeJSON(w, http.StatusOK, stock)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
