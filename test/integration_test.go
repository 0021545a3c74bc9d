//go:build integration

package test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/sokonova/marketplace/internal/cart"
	"github.com/sokonova/marketplace/internal/catalog"
	"github.com/sokonova/marketplace/internal/domain"
	"github.com/sokonova/marketplace/internal/messaging"
	"github.com/sokonova/marketplace/internal/orders"
	"github.com/sokonova/marketplace/internal/worker"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestGetOrCreateCartIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := cart.NewRepository(db)

	first, err := repo.GetOrCreate(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}
	if first.Version != 0 {
		t.Fatalf("expected new cart version 0, got %d", first.Version)
	}

	second, err := repo.GetOrCreate(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("failed to get cart: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same cart id, got %s and %s", first.ID, second.ID)
	}

	anon, err := repo.GetOrCreate(ctx, "", "anon-key-abc")
	if err != nil {
		t.Fatalf("failed to create anon cart: %v", err)
	}
	if anon.ID == first.ID {
		t.Fatal("anon cart must not alias the user cart")
	}
	anonAgain, err := repo.GetOrCreate(ctx, "", "anon-key-abc")
	if err != nil {
		t.Fatalf("failed to get anon cart: %v", err)
	}
	if anonAgain.ID != anon.ID {
		t.Fatalf("expected same anon cart id, got %s and %s", anon.ID, anonAgain.ID)
	}
}

func TestAddItemAccumulatesQuantity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := cart.NewRepository(db)

	c, err := repo.GetOrCreate(ctx, "user-acc", "")
	if err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}

	if _, err := repo.AddItem(ctx, c.ID, ProductBasket, 2); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	updated, err := repo.AddItem(ctx, c.ID, ProductBasket, 3)
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}

	if len(updated.Items) != 1 {
		t.Fatalf("expected 1 cart line, got %d", len(updated.Items))
	}
	if updated.Items[0].Quantity != 5 {
		t.Fatalf("expected quantity 5, got %d", updated.Items[0].Quantity)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 after two mutations, got %d", updated.Version)
	}
	if !approxEqual(updated.Items[0].Product.Price, 20.00) {
		t.Fatalf("expected product price eagerly loaded, got %v", updated.Items[0].Product.Price)
	}
}

func TestAddItemInventoryBound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := cart.NewRepository(db)

	c, err := repo.GetOrCreate(ctx, "user-inv", "")
	if err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}

	// Sandals have stock 3.
	_, err = repo.AddItem(ctx, c.ID, ProductSandals, 4)
	var insufficientErr *cart.InsufficientInventoryError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("expected InsufficientInventoryError, got %v", err)
	}
	if insufficientErr.Available != 3 || insufficientErr.InCart != 0 {
		t.Fatalf("unexpected error detail: %+v", insufficientErr)
	}

	updated, err := repo.AddItem(ctx, c.ID, ProductSandals, 3)
	if err != nil {
		t.Fatalf("expected add at exact stock to succeed: %v", err)
	}
	if updated.Items[0].Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", updated.Items[0].Quantity)
	}

	_, err = repo.AddItem(ctx, c.ID, ProductSandals, 1)
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("expected InsufficientInventoryError on full cart, got %v", err)
	}
	if insufficientErr.InCart != 3 {
		t.Fatalf("expected in-cart quantity 3 reported, got %d", insufficientErr.InCart)
	}

	// Failed add leaves no durable change.
	reloaded, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("failed to reload cart: %v", err)
	}
	if reloaded.Version != updated.Version {
		t.Fatalf("failed add must not bump version: %d != %d", reloaded.Version, updated.Version)
	}

	// Bowl has no stock row, so inventory is untracked and unbounded.
	if _, err := repo.AddItem(ctx, c.ID, ProductBowl, 999); err != nil {
		t.Fatalf("expected untracked product add to succeed: %v", err)
	}
}

func TestConcurrentAddsVersionGuard(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := cart.NewRepository(db)

	c, err := repo.GetOrCreate(ctx, "user-race", "")
	if err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}

	const workers = 4
	const addsPerWorker = 5

	var mu sync.Mutex
	successes, conflicts := 0, 0

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < addsPerWorker; i++ {
				_, err := repo.AddItem(ctx, c.ID, ProductBasket, 1)
				mu.Lock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, cart.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes+conflicts != workers*addsPerWorker {
		t.Fatalf("expected %d outcomes, got %d successes + %d conflicts", workers*addsPerWorker, successes, conflicts)
	}
	if successes == 0 {
		t.Fatal("expected at least one add to win")
	}

	final, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("failed to reload cart: %v", err)
	}
	if final.Version != int64(successes) {
		t.Fatalf("version must count successful mutations exactly: version %d, successes %d", final.Version, successes)
	}
	if len(final.Items) != 1 || final.Items[0].Quantity != successes {
		t.Fatalf("quantity must reflect only winning adds: %+v, successes %d", final.Items, successes)
	}
}

func TestRemoveAndClear(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := cart.NewRepository(db)

	c, err := repo.GetOrCreate(ctx, "user-rm", "")
	if err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}
	if _, err := repo.AddItem(ctx, c.ID, ProductBasket, 1); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := repo.AddItem(ctx, c.ID, ProductScarf, 2); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	afterRemove, err := repo.RemoveItem(ctx, c.ID, ProductBasket)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if len(afterRemove.Items) != 1 || afterRemove.Items[0].ProductID != ProductScarf {
		t.Fatalf("unexpected items after remove: %+v", afterRemove.Items)
	}
	if afterRemove.Version != 3 {
		t.Fatalf("expected version 3, got %d", afterRemove.Version)
	}

	afterClear, err := repo.Clear(ctx, c.ID)
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if len(afterClear.Items) != 0 {
		t.Fatalf("expected empty cart, got %d items", len(afterClear.Items))
	}
	if afterClear.Version != 4 {
		t.Fatalf("expected version 4, got %d", afterClear.Version)
	}

	if _, err := repo.RemoveItem(ctx, "00000000-0000-0000-0000-000000000000", ProductBasket); !errors.Is(err, cart.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestCheckoutEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	cartRepo := cart.NewRepository(db)
	orderRepo := orders.NewRepository(db)

	c, err := cartRepo.GetOrCreate(ctx, "buyer-1", "")
	if err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}
	if _, err := cartRepo.AddItem(ctx, c.ID, ProductBasket, 2); err != nil {
		t.Fatalf("add basket failed: %v", err)
	}
	if _, err := cartRepo.AddItem(ctx, c.ID, ProductSandals, 1); err != nil {
		t.Fatalf("add sandals failed: %v", err)
	}

	// 2 x 20.00 + 1 x 15.00 = 55.00
	order, err := orderRepo.CreateFromCart(ctx, "buyer-1", c.ID, 55.00, "USD", "12 Biashara St, Nairobi")
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	if !approxEqual(order.Total, 55.00) {
		t.Fatalf("expected order total 55.00, got %v", order.Total)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected status PENDING, got %s", order.Status)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 order items, got %d", len(order.Items))
	}

	byProduct := map[string]domain.OrderItem{}
	for _, item := range order.Items {
		byProduct[item.ProductID] = item
	}

	basket := byProduct[ProductBasket]
	if !approxEqual(basket.GrossAmount, 40.00) || !approxEqual(basket.FeeAmount, 4.00) || !approxEqual(basket.NetAmount, 36.00) {
		t.Fatalf("unexpected basket split: gross %v fee %v net %v", basket.GrossAmount, basket.FeeAmount, basket.NetAmount)
	}
	sandals := byProduct[ProductSandals]
	if !approxEqual(sandals.GrossAmount, 15.00) || !approxEqual(sandals.FeeAmount, 1.50) || !approxEqual(sandals.NetAmount, 13.50) {
		t.Fatalf("unexpected sandals split: gross %v fee %v net %v", sandals.GrossAmount, sandals.FeeAmount, sandals.NetAmount)
	}
	for _, item := range order.Items {
		if item.PayoutStatus != domain.PayoutStatusPending {
			t.Fatalf("expected payout PENDING, got %s", item.PayoutStatus)
		}
		if !approxEqual(item.GrossAmount, item.FeeAmount+item.NetAmount) {
			t.Fatalf("fee split must reconstruct gross exactly: %+v", item)
		}
	}

	// Cart is cleared atomically with the order insert.
	cleared, err := cartRepo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("failed to reload cart: %v", err)
	}
	if len(cleared.Items) != 0 {
		t.Fatalf("expected cart cleared after checkout, got %d items", len(cleared.Items))
	}
	if cleared.Version != 3 {
		t.Fatalf("checkout must bump version: expected 3, got %d", cleared.Version)
	}

	fetched, err := orderRepo.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	if fetched == nil || len(fetched.Items) != 2 {
		t.Fatalf("persisted order mismatch: %+v", fetched)
	}
	if fetched.ShippingAddress != "12 Biashara St, Nairobi" {
		t.Fatalf("unexpected shipping address: %s", fetched.ShippingAddress)
	}
}

func TestCheckoutFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	cartRepo := cart.NewRepository(db)
	orderRepo := orders.NewRepository(db)

	c, err := cartRepo.GetOrCreate(ctx, "buyer-2", "")
	if err != nil {
		t.Fatalf("failed to create cart: %v", err)
	}

	if _, err := orderRepo.CreateFromCart(ctx, "buyer-2", c.ID, 0, "USD", ""); !errors.Is(err, orders.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}

	if _, err := cartRepo.AddItem(ctx, c.ID, ProductScarf, 1); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if _, err := orderRepo.CreateFromCart(ctx, "somebody-else", c.ID, 35.50, "USD", ""); !errors.Is(err, orders.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	_, err = orderRepo.CreateFromCart(ctx, "buyer-2", c.ID, 50.00, "USD", "")
	var mismatchErr *orders.TotalMismatchError
	if !errors.As(err, &mismatchErr) {
		t.Fatalf("expected TotalMismatchError, got %v", err)
	}
	if !approxEqual(mismatchErr.Calculated, 35.50) {
		t.Fatalf("expected calculated 35.50, got %v", mismatchErr.Calculated)
	}

	// Failed checkout leaves the cart untouched.
	reloaded, err := cartRepo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("failed to reload cart: %v", err)
	}
	if len(reloaded.Items) != 1 {
		t.Fatalf("failed checkout must not clear cart, got %d items", len(reloaded.Items))
	}

	if _, err := orderRepo.CreateFromCart(ctx, "buyer-2", "00000000-0000-0000-0000-000000000000", 1, "USD", ""); !errors.Is(err, orders.ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}

	// A total inside tolerance passes.
	if _, err := orderRepo.CreateFromCart(ctx, "buyer-2", c.ID, 35.505, "USD", ""); err != nil {
		t.Fatalf("expected total within tolerance to pass: %v", err)
	}
}

func TestCreateDirectRecomputesPrices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	orderRepo := orders.NewRepository(db)

	items := []orders.DirectItem{
		{ProductID: ProductScarf, Quantity: 2}, // 2 x 35.50 = 71.00
		{ProductID: ProductBowl, Quantity: 1},  // 12.25
	}

	order, err := orderRepo.CreateDirect(ctx, "buyer-3", items, 83.25, "USD")
	if err != nil {
		t.Fatalf("direct order failed: %v", err)
	}
	if !approxEqual(order.Total, 83.25) {
		t.Fatalf("expected total 83.25, got %v", order.Total)
	}
	for _, item := range order.Items {
		if !approxEqual(item.GrossAmount, item.FeeAmount+item.NetAmount) {
			t.Fatalf("fee split must reconstruct gross exactly: %+v", item)
		}
	}

	// The direct path cross-checks totals against server prices too.
	_, err = orderRepo.CreateDirect(ctx, "buyer-3", items, 60.00, "USD")
	var mismatchErr *orders.TotalMismatchError
	if !errors.As(err, &mismatchErr) {
		t.Fatalf("expected TotalMismatchError, got %v", err)
	}

	_, err = orderRepo.CreateDirect(ctx, "buyer-3", []orders.DirectItem{{ProductID: "99999999-9999-9999-9999-999999999999", Quantity: 1}}, 1, "USD")
	if !errors.Is(err, orders.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestCartHTTPSurface(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := cart.NewHandler(cart.NewRepository(db), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cart", handler.HandleGet)
	mux.HandleFunc("POST /cart/add", handler.HandleAddItem)
	mux.HandleFunc("DELETE /cart/remove", handler.HandleRemoveItem)

	req := httptest.NewRequest(http.MethodGet, "/cart?userId=http-user", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var c domain.Cart
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("failed to decode cart: %v", err)
	}

	// Over-stock add surfaces 400 with the available and in-cart detail.
	body := `{"cart_id": "` + c.ID + `", "product_id": "` + ProductSandals + `", "quantity": 10}`
	req = httptest.NewRequest(http.MethodPost, "/cart/add", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var detail map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatalf("failed to decode error detail: %v", err)
	}
	if detail["available"] != float64(3) {
		t.Fatalf("expected available 3 in error detail, got %v", detail["available"])
	}

	// Missing product is 404.
	body = `{"cart_id": "` + c.ID + `", "product_id": "99999999-9999-9999-9999-999999999999", "quantity": 1}`
	req = httptest.NewRequest(http.MethodPost, "/cart/add", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSettlementWorker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	orderRepo := orders.NewRepository(db)
	order, err := orderRepo.CreateDirect(ctx, "buyer-4", []orders.DirectItem{
		{ProductID: ProductBasket, Quantity: 2}, // seller-amara, gross 40.00
		{ProductID: ProductScarf, Quantity: 1},  // seller-kofi, gross 35.50
	}, 75.50, "USD")
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	var mu sync.Mutex
	var emails []map[string]string
	notifierSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		emails = append(emails, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"sent","message_id":"m-1"}`)
	}))
	defer notifierSrv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	settlement := worker.NewSettlementHandler(db, notifierSrv.URL, notifierSrv.Client(), logger)

	event := domain.OrderCreatedEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Total:     order.Total,
		Currency:  order.Currency,
		Items:     order.Items,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	if err := settlement.Handle(ctx, payload); err != nil {
		t.Fatalf("settlement failed: %v", err)
	}

	settled, err := orderRepo.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("failed to fetch order: %v", err)
	}
	for _, item := range settled.Items {
		if item.PayoutStatus != domain.PayoutStatusProcessing {
			t.Fatalf("expected payout PROCESSING, got %s", item.PayoutStatus)
		}
	}

	var gross, fees, net float64
	var orderCount int
	err = db.QueryRowContext(ctx, `
		SELECT orders, gross, fees, net FROM seller_rollups WHERE seller_id = 'seller-amara'
	`).Scan(&orderCount, &gross, &fees, &net)
	if err != nil {
		t.Fatalf("failed to read rollup: %v", err)
	}
	if orderCount != 1 || !approxEqual(gross, 40.00) || !approxEqual(fees, 4.00) || !approxEqual(net, 36.00) {
		t.Fatalf("unexpected rollup: orders %d gross %v fees %v net %v", orderCount, gross, fees, net)
	}

	mu.Lock()
	emailCount := len(emails)
	mu.Unlock()
	if emailCount != 1 {
		t.Fatalf("expected 1 confirmation email, got %d", emailCount)
	}

	// Redelivery of the same event must not double-count rollups.
	if err := settlement.Handle(ctx, payload); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	err = db.QueryRowContext(ctx, `
		SELECT orders FROM seller_rollups WHERE seller_id = 'seller-amara'
	`).Scan(&orderCount)
	if err != nil {
		t.Fatalf("failed to re-read rollup: %v", err)
	}
	if orderCount != 1 {
		t.Fatalf("redelivery double-counted rollup: orders %d", orderCount)
	}
}

func TestOrderEventRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	producer := messaging.NewProducer(brokers, messaging.TopicOrderCreated)
	defer func() { _ = producer.Close() }()

	consumer := messaging.NewConsumer(brokers, messaging.TopicOrderCreated, "settlement-test", messaging.WithStartOffset(kafkago.FirstOffset))
	defer func() { _ = consumer.Close() }()

	received := make(chan domain.OrderCreatedEvent, 1)
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()

	go func() {
		_ = consumer.Consume(consumeCtx, func(_ context.Context, payload []byte) error {
			var event domain.OrderCreatedEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return err
			}
			received <- event
			return nil
		})
	}()

	sent := domain.OrderCreatedEvent{
		OrderID:   "order-rt-1",
		UserID:    "buyer-rt",
		Total:     55.00,
		Currency:  "USD",
		Timestamp: time.Now().UTC(),
	}
	if err := producer.Publish(ctx, sent.OrderID, sent); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	select {
	case event := <-received:
		if event.OrderID != sent.OrderID || !approxEqual(event.Total, sent.Total) {
			t.Fatalf("round-tripped event mismatch: %+v", event)
		}
	case <-time.After(90 * time.Second):
		t.Fatal("timed out waiting for order event")
	}
}

func TestStockReserveRelease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := catalog.NewRepository(db)

	if err := repo.Reserve(ctx, ProductSandals, 2); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	stock, err := repo.GetStock(ctx, ProductSandals)
	if err != nil {
		t.Fatalf("failed to get stock: %v", err)
	}
	if stock.Available != 1 || stock.Reserved != 2 {
		t.Fatalf("unexpected stock after reserve: %+v", stock)
	}

	if err := repo.Reserve(ctx, ProductSandals, 2); !errors.Is(err, catalog.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	if err := repo.Release(ctx, ProductSandals, 2); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	stock, err = repo.GetStock(ctx, ProductSandals)
	if err != nil {
		t.Fatalf("failed to get stock: %v", err)
	}
	if stock.Available != 3 || stock.Reserved != 0 {
		t.Fatalf("unexpected stock after release: %+v", stock)
	}

	untracked, err := repo.GetStock(ctx, ProductBowl)
	if err != nil {
		t.Fatalf("failed to get untracked stock: %v", err)
	}
	if untracked != nil {
		t.Fatalf("expected nil stock for untracked product, got %+v", untracked)
	}
}

func TestOrderListAndStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("failed to open DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := orders.NewRepository(db)

	first, err := repo.CreateDirect(ctx, "buyer-list", []orders.DirectItem{{ProductID: ProductBasket, Quantity: 1}}, 20.00, "USD")
	if err != nil {
		t.Fatalf("failed to create first order: %v", err)
	}
	second, err := repo.CreateDirect(ctx, "buyer-list", []orders.DirectItem{{ProductID: ProductBowl, Quantity: 1}}, 12.25, "USD")
	if err != nil {
		t.Fatalf("failed to create second order: %v", err)
	}

	list, err := repo.ListByUser(ctx, "buyer-list")
	if err != nil {
		t.Fatalf("failed to list orders: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest-first ordering, got %s then %s", list[0].ID, list[1].ID)
	}
	for _, o := range list {
		if len(o.Items) != 1 {
			t.Fatalf("expected items attached to listed order %s, got %d", o.ID, len(o.Items))
		}
	}

	empty, err := repo.ListByUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("failed to list orders for unknown user: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no orders, got %d", len(empty))
	}

	updated, err := repo.UpdateStatus(ctx, first.ID, domain.OrderStatusPaid)
	if err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	if updated.Status != domain.OrderStatusPaid {
		t.Fatalf("expected PAID, got %s", updated.Status)
	}

	missing, err := repo.UpdateStatus(ctx, "00000000-0000-0000-0000-000000000000", domain.OrderStatusPaid)
	if err != nil {
		t.Fatalf("unexpected error updating missing order: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing order, got %+v", missing)
	}
}
