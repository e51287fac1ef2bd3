package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yldr-backend/internal/clients"
	"yldr-backend/internal/config"
	"yldr-backend/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ErrBridgeFailed the bridge marked the transfer terminally failed.
var ErrBridgeFailed = errors.New("bridge reported transfer failure")

// BridgeStatusClient is the status surface of the bridge API.
type BridgeStatusClient interface {
	GetStatus(ctx context.Context, fromChain, toChain int64, txHash string) (*clients.LiFiStatusResponse, error)
}

// BridgeResult is what a completed transfer delivered on the destination.
type BridgeResult struct {
	ToTxHash     string
	ToChainID    int64
	Amount       string
	TokenAddress string
	TokenSymbol  string
	Tool         string
}

// BridgeWatcher polls the bridge status API until a source transaction
// settles on the destination chain. The wait is the pipeline's only
// unbounded-latency step; a keepalive callback runs every Nth poll so the
// caller can renew its lease.
type BridgeWatcher struct {
	client          BridgeStatusClient
	clock           Clock
	timeout         time.Duration
	pollInterval    time.Duration
	keepAliveEveryN int
	log             *logrus.Entry
}

func NewBridgeWatcher(cfg *config.Config, client BridgeStatusClient) *BridgeWatcher {
	return &BridgeWatcher{
		client:          client,
		clock:           SystemClock,
		timeout:         time.Duration(cfg.Bridge.StatusTimeoutSec) * time.Second,
		pollInterval:    time.Duration(cfg.Bridge.StatusPollSec) * time.Second,
		keepAliveEveryN: cfg.Bridge.KeepAliveEveryN,
		log:             logrus.WithField("component", "bridge_watcher"),
	}
}

// WaitForBridgeDone blocks until the transfer behind fromTxHash completes,
// fails, or the timeout elapses. Transient status errors and NOT_FOUND are
// retried; keepAlive is invoked every Nth poll.
func (w *BridgeWatcher) WaitForBridgeDone(ctx context.Context, fromChainID, toChainID int64, fromTxHash string, keepAlive func(ctx context.Context) error) (*BridgeResult, error) {
	start := w.clock.Now()
	polls := 0
	var result *BridgeResult

	err := Poll(ctx, w.clock, w.pollInterval, w.timeout, func(ctx context.Context) (bool, error) {
		polls++
		metrics.BridgePolls.Inc()

		if keepAlive != nil && w.keepAliveEveryN > 0 && polls%w.keepAliveEveryN == 0 {
			if err := keepAlive(ctx); err != nil {
				return false, fmt.Errorf("keepalive failed during bridge wait: %w", err)
			}
		}

		status, err := w.client.GetStatus(ctx, fromChainID, toChainID, fromTxHash)
		if err != nil {
			// the status API flakes under load; the timeout is the real bound
			w.log.WithError(err).WithField("from_tx", fromTxHash).Debug("bridge status poll failed")
			return false, nil
		}

		switch {
		case status.Done():
			result = &BridgeResult{
				ToTxHash:     status.Receiving.TxHash,
				ToChainID:    status.Receiving.ChainId,
				Amount:       status.Receiving.Amount,
				TokenAddress: status.Receiving.Token.Address,
				TokenSymbol:  status.Receiving.Token.Symbol,
				Tool:         status.Tool,
			}
			return true, nil
		case status.Failed():
			return false, fmt.Errorf("%w: %s/%s", ErrBridgeFailed, status.Status, status.Substatus)
		default:
			// PENDING or NOT_FOUND, keep waiting
			return false, nil
		}
	})

	elapsed := w.clock.Now().Sub(start)
	metrics.BridgeWaitDuration.Observe(elapsed.Seconds())

	switch {
	case err == nil:
		metrics.BridgeOutcomes.WithLabelValues("done").Inc()
		w.log.WithFields(logrus.Fields{
			"from_tx": fromTxHash,
			"to_tx":   result.ToTxHash,
			"amount":  result.Amount,
			"polls":   polls,
		}).Info("bridge transfer completed")
		return result, nil
	case errors.Is(err, ErrBridgeFailed):
		metrics.BridgeOutcomes.WithLabelValues("failed").Inc()
		return nil, err
	case errors.Is(err, ErrPollTimeout):
		metrics.BridgeOutcomes.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("bridge transfer %s not settled after %s: %w", fromTxHash, w.timeout, err)
	default:
		return nil, err
	}
}
