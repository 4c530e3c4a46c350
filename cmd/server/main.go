package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quanghm/parkcore/internal/api"
	"github.com/quanghm/parkcore/internal/config"
	"github.com/quanghm/parkcore/internal/gateway"
	"github.com/quanghm/parkcore/internal/handler"
	"github.com/quanghm/parkcore/internal/infrastructure/kafka"
	"github.com/quanghm/parkcore/internal/infrastructure/redis"
	"github.com/quanghm/parkcore/internal/observability"
	core "github.com/quanghm/parkcore/internal/repository/postgres"
	service "github.com/quanghm/parkcore/internal/services"
	"github.com/quanghm/parkcore/internal/worker"
	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	shutdown, metricsHandler := observability.Setup("parkcore")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	transactionRepo := core.NewPostgresTransactionRepository(db)
	vehicleRepo := core.NewPostgresVehicleRepository(db)
	slotRepo := core.NewPostgresSlotRepository(db)
	monthlyRepo := core.NewPostgresMonthlyVehicleRepository(db)
	settingsRepo := core.NewPostgresSettingsRepository(db)
	userRepo := core.NewPostgresUserRepository(db)

	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()

	kafkaProducer := kafka.NewProducer(cfg.KafkaBrokers)
	defer kafkaProducer.Close()

	walletGateway := gateway.NewWalletGateway(cfg.Wallet, cfg.GatewayTimeout)
	cardGateway := gateway.NewCardGateway(cfg.Card, cfg.GatewayTimeout)

	transactionSvc := service.NewTransactionService(transactionRepo, kafkaProducer, cfg.TransactionTimeout)
	paymentSvc := service.NewPaymentService(transactionSvc, walletGateway, cardGateway, cfg.TransactionTimeout, cfg.GatewayTimeout)
	reconciliationSvc := service.NewReconciliationService(transactionSvc, transactionRepo, walletGateway, cardGateway, cardGateway, paymentSvc, kafkaProducer)
	feeSvc := service.NewFeeService(settingsRepo, redisClient, cfg.Fees)
	parkingSvc := service.NewParkingService(vehicleRepo, slotRepo, monthlyRepo, feeSvc)
	monthlySvc := service.NewMonthlyService(monthlyRepo, feeSvc, paymentSvc)
	authSvc := service.NewAuthService(userRepo, redisClient, cfg.JWTSecret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, "transactions", "parkcore-monthly-activator", monthlySvc)
	go consumer.Consume(ctx)
	defer consumer.Close()

	sweeper := worker.NewExpirySweeper(transactionRepo, transactionSvc, cfg.SweepInterval)
	go sweeper.Run(ctx)

	h := handler.NewHandler(authSvc, parkingSvc, paymentSvc, transactionSvc, reconciliationSvc, feeSvc, monthlySvc)
	router := api.SetupRouter(h, redisClient, cfg.JWTSecret, metricsHandler)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
