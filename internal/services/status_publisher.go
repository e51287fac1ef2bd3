package services

import (
	"yldr-backend/internal/models"
)

// StatusPublisher receives every intent lifecycle transition. The NATS
// publisher and the websocket hub both implement it.
type StatusPublisher interface {
	PublishDepositStatus(intent *models.DepositIntent, txHash string)
	PublishWithdrawStatus(intent *models.WithdrawIntent, txHash string)
}

// FanoutPublisher forwards each transition to every sink.
type FanoutPublisher []StatusPublisher

func (f FanoutPublisher) PublishDepositStatus(intent *models.DepositIntent, txHash string) {
	for _, sink := range f {
		if sink != nil {
			sink.PublishDepositStatus(intent, txHash)
		}
	}
}

func (f FanoutPublisher) PublishWithdrawStatus(intent *models.WithdrawIntent, txHash string) {
	for _, sink := range f {
		if sink != nil {
			sink.PublishWithdrawStatus(intent, txHash)
		}
	}
}
