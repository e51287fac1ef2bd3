package app

import (
	"fmt"
	"log"

	"yldr-backend/internal/clients"
	"yldr-backend/internal/config"
	"yldr-backend/internal/db"
	"yldr-backend/internal/events"
	"yldr-backend/internal/handlers"
	"yldr-backend/internal/repository"
	"yldr-backend/internal/services"

	"gorm.io/gorm"
)

// Container holds every long-lived component, wired once in cmd/server and
// handed to the router. No package-level state; everything flows through
// explicit construction.
type Container struct {
	Config *config.Config
	DB     *gorm.DB

	// Repositories
	DepositRepo  repository.DepositIntentRepository
	WithdrawRepo repository.WithdrawIntentRepository

	// Clients
	ChainService   *services.ChainService
	LiFiClient     *clients.LiFiClient
	DeBridgeClient *clients.DeBridgeClient
	Publisher      *events.Publisher

	// Core services
	Admission            *services.AdmissionService
	Progress             *services.ProgressService
	BridgeWatcher        *services.BridgeWatcher
	AllowanceDeposit     *services.AllowanceDeposit
	DepositSettlement    *services.DepositSettlementService
	WithdrawSettlement   *services.WithdrawSettlementService
	StaleRetryService    *services.StaleRetryService
	WebSocketPushService *services.WebSocketPushService

	// HTTP handlers
	IntentHandlers   *handlers.IntentHandlers
	RelayerHandlers  *handlers.RelayerHandlers
	WithdrawHandlers *handlers.WithdrawHandlers
	StatusHandlers   *handlers.StatusHandlers
	WebSocketHandler *handlers.WebSocketHandler
	AdminAuthHandler *handlers.AdminAuthHandler
	AdminHandlers    *handlers.AdminHandlers
}

// NewContainer builds the full service graph.
func NewContainer(cfg *config.Config) (*Container, error) {
	log.Println("🚀 Initializing service container...")

	gdb, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	c := &Container{Config: cfg, DB: gdb}

	c.DepositRepo = repository.NewDepositIntentRepository(gdb)
	c.WithdrawRepo = repository.NewWithdrawIntentRepository(gdb)
	log.Println("✅ Repositories initialized")

	c.ChainService, err = services.NewChainService(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chain clients: %w", err)
	}
	c.LiFiClient = clients.NewLiFiClient(cfg.Bridge.LiFiBaseURL, cfg.Bridge.APIKey, cfg.Bridge.Integrator)
	c.DeBridgeClient = clients.NewDeBridgeClient(cfg.Bridge.DeBridgeBaseURL)

	c.Publisher, err = events.NewPublisher(&cfg.NATS)
	if err != nil {
		// Settlement works without the event bus; refusing to start over it
		// would turn a NATS outage into a full outage.
		log.Printf("⚠️ NATS unavailable, lifecycle events disabled: %v", err)
		c.Publisher = nil
	}
	log.Println("✅ Clients initialized")

	c.WebSocketPushService = services.NewWebSocketPushService()
	statusSinks := services.FanoutPublisher{c.Publisher, c.WebSocketPushService}

	c.Admission = services.NewAdmissionService(cfg, c.DepositRepo, c.WithdrawRepo)
	c.Progress = services.NewProgressService(cfg, c.DepositRepo, c.ChainService, statusSinks)
	c.BridgeWatcher = services.NewBridgeWatcher(cfg, c.LiFiClient)
	c.AllowanceDeposit = services.NewAllowanceDeposit(c.ChainService)
	c.DepositSettlement = services.NewDepositSettlementService(cfg, c.DepositRepo, c.ChainService,
		c.AllowanceDeposit, c.BridgeWatcher, statusSinks)
	c.WithdrawSettlement = services.NewWithdrawSettlementService(cfg, c.WithdrawRepo, c.ChainService,
		c.AllowanceDeposit, c.BridgeWatcher, c.LiFiClient, statusSinks)
	c.WithdrawSettlement.SetFallbackQuotes(c.DeBridgeClient)

	c.StaleRetryService = services.NewStaleRetryService(cfg, c.DepositRepo, c.WithdrawRepo,
		c.DepositSettlement, c.WithdrawSettlement)
	log.Println("✅ Core services initialized")

	c.IntentHandlers = handlers.NewIntentHandlers(c.Admission)
	c.RelayerHandlers = handlers.NewRelayerHandlers(c.Progress, c.DepositSettlement)
	c.WithdrawHandlers = handlers.NewWithdrawHandlers(c.WithdrawSettlement)
	c.StatusHandlers = handlers.NewStatusHandlers(c.DepositRepo, c.WithdrawRepo)
	c.WebSocketHandler = handlers.NewWebSocketHandler(c.WebSocketPushService)
	c.AdminAuthHandler = handlers.NewAdminAuthHandler(&cfg.Admin)
	c.AdminHandlers = handlers.NewAdminHandlers(c.DepositRepo, c.WithdrawRepo, c.StaleRetryService)
	log.Println("✅ Handlers initialized")

	return c, nil
}

// Start launches the background services.
func (c *Container) Start() {
	if c.Config.Settlement.StaleRetryEnabled {
		c.StaleRetryService.Start()
	} else {
		log.Println("⚠️ Stale retry service disabled by config")
	}
}

// Stop shuts the background services down and drains connections.
func (c *Container) Stop() {
	log.Println("🧹 Shutting down service container...")

	if c.StaleRetryService != nil {
		c.StaleRetryService.Stop()
	}
	c.Publisher.Close()

	log.Println("✅ Service container stopped")
}
