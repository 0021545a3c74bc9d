package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/sokonova/marketplace/internal/cart"
	"github.com/sokonova/marketplace/internal/catalog"
	"github.com/sokonova/marketplace/internal/messaging"
	"github.com/sokonova/marketplace/internal/orders"
	"github.com/sokonova/marketplace/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "marketplace", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("marketplace", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime instrumentation", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var producer *messaging.Producer
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")
		producer = messaging.NewProducer(brokers, messaging.TopicOrderCreated)
		defer func() { _ = producer.Close() }()
	}

	cartHandler := cart.NewHandler(cart.NewRepository(db), logger)
	orderHandler := orders.NewHandler(orders.NewRepository(db), producer, logger)
	catalogHandler := catalog.NewHandler(catalog.NewRepository(db), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cart", telemetry.WithHTTPRoute(cartHandler.HandleGet))
	mux.HandleFunc("POST /cart/add", telemetry.WithHTTPRoute(cartHandler.HandleAddItem))
	mux.HandleFunc("DELETE /cart/remove", telemetry.WithHTTPRoute(cartHandler.HandleRemoveItem))
	mux.HandleFunc("DELETE /cart/clear", telemetry.WithHTTPRoute(cartHandler.HandleClear))

	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(orderHandler.HandleCheckout))
	mux.HandleFunc("POST /orders/direct", telemetry.WithHTTPRoute(orderHandler.HandleCreateDirect))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(orderHandler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("PATCH /orders/{id}/status", telemetry.WithHTTPRoute(orderHandler.HandleUpdateStatus))

	mux.HandleFunc("GET /products", telemetry.WithHTTPRoute(catalogHandler.HandleListProducts))
	mux.HandleFunc("GET /products/{id}", telemetry.WithHTTPRoute(catalogHandler.HandleGetProduct))
	mux.HandleFunc("GET /stock/{productId}", telemetry.WithHTTPRoute(catalogHandler.HandleGetStock))
	mux.HandleFunc("POST /stock/{productId}/reserve", telemetry.WithHTTPRoute(catalogHandler.HandleReserve))
	mux.HandleFunc("POST /stock/{productId}/release", telemetry.WithHTTPRoute(catalogHandler.HandleRelease))

	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "marketplace",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting marketplace service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
