package worker

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sokonova/marketplace/internal/domain"
)

// SettlementHandler consumes order.created events, folds each order into the
// per-seller daily revenue rollups, flips the order's line payouts to
// PROCESSING and asks the notifier to send the buyer a confirmation email.
type SettlementHandler struct {
	db          *sql.DB
	notifierURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewSettlementHandler(db *sql.DB, notifierURL string, client *http.Client, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		db:          db,
		notifierURL: notifierURL,
		httpClient:  client,
		logger:      logger,
	}
}

type sellerTotals struct {
	gross float64
	fees  float64
	net   float64
}

func (h *SettlementHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order created event: %w", err)
	}

	h.logger.Info("settling order", "order_id", event.OrderID, "user_id", event.UserID, "lines", len(event.Items))

	if err := h.settle(ctx, event); err != nil {
		return fmt.Errorf("settle order %s: %w", event.OrderID, err)
	}

	if err := h.sendConfirmationEmail(ctx, event); err != nil {
		h.logger.Error("failed to send confirmation email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send confirmation email: %w", err)
	}

	h.logger.Info("order settled", "order_id", event.OrderID)
	return nil
}

// settle applies the rollup upserts and the payout transition in one
// transaction. The payout guard on status PENDING makes redelivery of the
// same event a no-op for the status flip; the rollup upsert is keyed by
// (seller, day) and accumulates.
func (h *SettlementHandler) settle(ctx context.Context, event domain.OrderCreatedEvent) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE order_items SET payout_status = $1
		WHERE order_id = $2 AND payout_status = $3
	`, domain.PayoutStatusProcessing, event.OrderID, domain.PayoutStatusPending)
	if err != nil {
		return fmt.Errorf("mark payouts processing: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		// Already settled by an earlier delivery.
		h.logger.Info("order already settled, skipping rollups", "order_id", event.OrderID)
		return tx.Commit()
	}

	bySeller := make(map[string]*sellerTotals)
	for _, item := range event.Items {
		totals := bySeller[item.SellerID]
		if totals == nil {
			totals = &sellerTotals{}
			bySeller[item.SellerID] = totals
		}
		totals.gross += item.GrossAmount
		totals.fees += item.FeeAmount
		totals.net += item.NetAmount
	}

	day := event.Timestamp.UTC().Format("2006-01-02")
	for sellerID, totals := range bySeller {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO seller_rollups (seller_id, day, orders, gross, fees, net)
			VALUES ($1, $2, 1, $3, $4, $5)
			ON CONFLICT (seller_id, day)
			DO UPDATE SET orders = seller_rollups.orders + 1,
			              gross  = seller_rollups.gross + EXCLUDED.gross,
			              fees   = seller_rollups.fees + EXCLUDED.fees,
			              net    = seller_rollups.net + EXCLUDED.net
		`, sellerID, day, domain.RoundToCents(totals.gross), domain.RoundToCents(totals.fees), domain.RoundToCents(totals.net))
		if err != nil {
			return fmt.Errorf("upsert rollup for seller %s: %w", sellerID, err)
		}
	}

	return tx.Commit()
}

func (h *SettlementHandler) sendConfirmationEmail(ctx context.Context, event domain.OrderCreatedEvent) error {
	body := map[string]string{
		"to":      event.UserID + "@example.com",
		"subject": "Order Confirmation: " + event.OrderID,
		"body":    fmt.Sprintf("Your order %s for %.2f %s has been received.", event.OrderID, event.Total, event.Currency),
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.notifierURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notifier returned status %d", resp.StatusCode)
	}

	return nil
}
