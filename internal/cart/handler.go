package cart

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

// HandleGet returns the caller's current cart, creating one if absent.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	anonKey := r.URL.Query().Get("anonKey")

	if userID == "" && anonKey == "" {
		h.logger.Warn("cart requested without userId or anonKey, creating ownerless cart")
	}

	cart, err := h.repo.GetOrCreate(r.Context(), userID, anonKey)
	if err != nil {
		h.logger.Error("failed to get or create cart", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("cart retrieved", "cart_id", cart.ID, "items", len(cart.Items))
	h.writeJSON(w, http.StatusOK, cart)
}

type addItemRequest struct {
	CartID    string `json:"cart_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) HandleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.CartID == "" || req.ProductID == "" {
		h.writeError(w, http.StatusBadRequest, "cart_id and product_id are required")
		return
	}

	cart, err := h.repo.AddItem(r.Context(), req.CartID, req.ProductID, req.Quantity)
	if err != nil {
		h.respondMutationError(w, err, req.CartID, req.ProductID)
		return
	}

	h.logger.Info("item added to cart", "cart_id", cart.ID, "product_id", req.ProductID, "quantity", req.Quantity, "version", cart.Version)
	h.writeJSON(w, http.StatusOK, cart)
}

func (h *Handler) HandleRemoveItem(w http.ResponseWriter, r *http.Request) {
	cartID := r.URL.Query().Get("cartId")
	productID := r.URL.Query().Get("productId")

	if cartID == "" || productID == "" {
		h.writeError(w, http.StatusBadRequest, "cartId and productId are required")
		return
	}

	cart, err := h.repo.RemoveItem(r.Context(), cartID, productID)
	if err != nil {
		h.respondMutationError(w, err, cartID, productID)
		return
	}

	h.logger.Info("item removed from cart", "cart_id", cartID, "product_id", productID, "version", cart.Version)
	h.writeJSON(w, http.StatusOK, cart)
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	cartID := r.URL.Query().Get("cartId")
	if cartID == "" {
		h.writeError(w, http.StatusBadRequest, "cartId is required")
		return
	}

	cart, err := h.repo.Clear(r.Context(), cartID)
	if err != nil {
		h.respondMutationError(w, err, cartID, "")
		return
	}

	h.logger.Info("cart cleared", "cart_id", cartID, "version", cart.Version)
	h.writeJSON(w, http.StatusOK, cart)
}

func (h *Handler) respondMutationError(w http.ResponseWriter, err error, cartID, productID string) {
	var insufficientErr *InsufficientInventoryError

	switch {
	case errors.Is(err, ErrCartNotFound), errors.Is(err, ErrProductNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidQuantity):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficientErr):
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      insufficientErr.Error(),
			"product_id": insufficientErr.ProductID,
			"available":  insufficientErr.Available,
			"in_cart":    insufficientErr.InCart,
		})
	case errors.Is(err, ErrVersionConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("cart mutation failed", "error", err, "cart_id", cartID, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
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
