package services

import (
	"context"
	"log"
	"time"

	"yldr-backend/internal/config"
	"yldr-backend/internal/metrics"
	"yldr-backend/internal/repository"
)

const staleRetryBatchSize = 20

// StaleRetryService re-drives intents that stalled: FAILED rows and
// processing-class rows whose lease expired. It races user-triggered finish
// calls by design; the lease manager makes that safe.
type StaleRetryService struct {
	depositRepo  repository.DepositIntentRepository
	withdrawRepo repository.WithdrawIntentRepository
	deposits     *DepositSettlementService
	withdrawals  *WithdrawSettlementService

	interval time.Duration
	running  bool
	stopCh   chan struct{}
}

func NewStaleRetryService(cfg *config.Config, depositRepo repository.DepositIntentRepository, withdrawRepo repository.WithdrawIntentRepository, deposits *DepositSettlementService, withdrawals *WithdrawSettlementService) *StaleRetryService {
	return &StaleRetryService{
		depositRepo:  depositRepo,
		withdrawRepo: withdrawRepo,
		deposits:     deposits,
		withdrawals:  withdrawals,
		interval:     time.Duration(cfg.Settlement.StaleRetryIntervalSec) * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the retry loop.
func (s *StaleRetryService) Start() {
	if s.running {
		return
	}
	s.running = true

	log.Printf("🚀 Starting StaleRetryService (interval: %v)", s.interval)
	go s.retryLoop()
}

// Stop gracefully stops the retry loop.
func (s *StaleRetryService) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Printf("🛑 StaleRetryService stopped")
}

// SweepNow runs one retry pass immediately. Used by the admin requeue
// endpoint and the ops tool.
func (s *StaleRetryService) SweepNow() {
	s.sweep()
}

func (s *StaleRetryService) retryLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep retries every stalled intent once. A retry that loses the lock race
// against a concurrent finish call is a non-event.
func (s *StaleRetryService) sweep() {
	ctx := context.Background()
	now := time.Now()

	deposits, err := s.depositRepo.ListRetryable(ctx, now, staleRetryBatchSize)
	if err != nil {
		log.Printf("❌ [StaleRetry] failed to list retryable deposits: %v", err)
	}
	for _, intent := range deposits {
		metrics.StaleLeaseReclaims.WithLabelValues("deposit").Inc()
		result, err := s.deposits.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID})
		if err != nil {
			log.Printf("⚠️ [StaleRetry] deposit %s retry failed: %v", intent.RefID, err)
			continue
		}
		if !result.Processing {
			log.Printf("✅ [StaleRetry] deposit %s advanced to %s", intent.RefID, result.Status)
		}
	}

	withdrawals, err := s.withdrawRepo.ListRetryable(ctx, now, staleRetryBatchSize)
	if err != nil {
		log.Printf("❌ [StaleRetry] failed to list retryable withdrawals: %v", err)
	}
	for _, intent := range withdrawals {
		metrics.StaleLeaseReclaims.WithLabelValues("withdraw").Inc()
		result, err := s.withdrawals.Finish(ctx, intent.RefID)
		if err != nil {
			log.Printf("⚠️ [StaleRetry] withdraw %s retry failed: %v", intent.RefID, err)
			continue
		}
		if !result.Processing {
			log.Printf("✅ [StaleRetry] withdraw %s advanced to %s", intent.RefID, result.Status)
		}
	}
}
