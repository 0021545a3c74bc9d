package orders

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sokonova/marketplace/internal/domain"
	"github.com/sokonova/marketplace/internal/messaging"
)

type Handler struct {
	repo     *Repository
	producer *messaging.Producer
	logger   *slog.Logger
}

func NewHandler(repo *Repository, producer *messaging.Producer, logger *slog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		producer: producer,
		logger:   logger,
	}
}

type checkoutRequest struct {
	UserID          string  `json:"user_id"`
	CartID          string  `json:"cart_id"`
	ExpectedTotal   float64 `json:"expected_total"`
	Currency        string  `json:"currency"`
	ShippingAddress string  `json:"shipping_address"`
}

// HandleCheckout converts a cart into an order. Client errors map 1:1 to the
// materializer's failure taxonomy; version conflicts and total mismatches
// both come back as 409 since the client reaction is the same (refresh and
// reconfirm).
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" || req.CartID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id and cart_id are required")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	order, err := h.repo.CreateFromCart(r.Context(), req.UserID, req.CartID, req.ExpectedTotal, req.Currency, req.ShippingAddress)
	if err != nil {
		h.respondCheckoutError(w, err, req.CartID)
		return
	}

	h.publishCreated(r, order)

	h.logger.Info("order created from cart", "order_id", order.ID, "user_id", order.UserID, "total", order.Total, "lines", len(order.Items))
	h.writeJSON(w, http.StatusCreated, order)
}

type directOrderRequest struct {
	UserID        string       `json:"user_id"`
	Items         []DirectItem `json:"items"`
	ExpectedTotal float64      `json:"expected_total"`
	Currency      string       `json:"currency"`
}

func (h *Handler) HandleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var req directOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	order, err := h.repo.CreateDirect(r.Context(), req.UserID, req.Items, req.ExpectedTotal, req.Currency)
	if err != nil {
		h.respondCheckoutError(w, err, "")
		return
	}

	h.publishCreated(r, order)

	h.logger.Info("direct order created", "order_id", order.ID, "user_id", order.UserID, "total", order.Total)
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	orders, err := h.repo.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "user_id", userID, "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
}

type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.repo.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		h.logger.Error("failed to update order status", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.logger.Info("order status updated", "order_id", order.ID, "status", order.Status)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) publishCreated(r *http.Request, order *domain.Order) {
	if h.producer == nil {
		return
	}

	event := domain.OrderCreatedEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Total:     order.Total,
		Currency:  order.Currency,
		Items:     order.Items,
		Timestamp: time.Now().UTC(),
	}
	if err := h.producer.Publish(r.Context(), order.ID, event); err != nil {
		h.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
	}
}

func (h *Handler) respondCheckoutError(w http.ResponseWriter, err error, cartID string) {
	var mismatchErr *TotalMismatchError

	switch {
	case errors.Is(err, ErrCartNotFound), errors.Is(err, ErrProductNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrEmptyCart):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &mismatchErr):
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":      mismatchErr.Error(),
			"expected":   mismatchErr.Expected,
			"calculated": mismatchErr.Calculated,
		})
	case errors.Is(err, ErrCartModified):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("checkout failed", "error", err, "cart_id", cartID)
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
