package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"yldr-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WithdrawIntentRepository defines the data access surface for WithdrawIntent.
// Same conditional-update discipline as the deposit side.
type WithdrawIntentRepository interface {
	Create(ctx context.Context, intent *models.WithdrawIntent) error
	GetByRefID(ctx context.Context, refID string) (*models.WithdrawIntent, error)
	FindBySignatureBinding(ctx context.Context, digest, signature string) (*models.WithdrawIntent, error)
	ListPendingByUser(ctx context.Context, user string, limit int) ([]*models.WithdrawIntent, error)
	ListRetryable(ctx context.Context, staleBefore time.Time, limit int) ([]*models.WithdrawIntent, error)

	TryLock(ctx context.Context, refID string, ttl time.Duration) (owner string, err error)
	RenewLease(ctx context.Context, refID, owner string, ttl time.Duration) error
	EnsureOwner(ctx context.Context, refID, owner string) error
	ForceUnlock(ctx context.Context, refID string) error

	Advance(ctx context.Context, refID string, from, to models.WithdrawStatus, patch map[string]interface{}) (AdvanceOutcome, error)
	MarkFailed(ctx context.Context, refID, message string) error
	MergeFacts(ctx context.Context, refID string, updates map[string]interface{}) error

	// RecordStepTx writes a per-step tx hash once; replays with the same
	// hash are accepted, conflicting hashes are rejected.
	RecordStepTx(ctx context.Context, refID, column, txHash string) error

	// CompleteSuccess flips to SUCCESS from BRIDGING only.
	CompleteSuccess(ctx context.Context, refID, toTxHash, amountOut string) (bool, error)
}

type withdrawIntentRepository struct {
	db *gorm.DB
}

// NewWithdrawIntentRepository creates a new WithdrawIntentRepository instance.
func NewWithdrawIntentRepository(db *gorm.DB) WithdrawIntentRepository {
	return &withdrawIntentRepository{db: db}
}

func (r *withdrawIntentRepository) Create(ctx context.Context, intent *models.WithdrawIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *withdrawIntentRepository) GetByRefID(ctx context.Context, refID string) (*models.WithdrawIntent, error) {
	var intent models.WithdrawIntent
	err := r.db.WithContext(ctx).Where("ref_id = ?", refID).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *withdrawIntentRepository) FindBySignatureBinding(ctx context.Context, digest, signature string) (*models.WithdrawIntent, error) {
	var intent models.WithdrawIntent
	err := r.db.WithContext(ctx).
		Where("digest = ? OR signature = ?", digest, signature).
		First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *withdrawIntentRepository) ListPendingByUser(ctx context.Context, user string, limit int) ([]*models.WithdrawIntent, error) {
	var intents []*models.WithdrawIntent
	err := r.db.WithContext(ctx).
		Where("LOWER(\"user\") = ?", strings.ToLower(user)).
		Where("status NOT IN ?", []string{
			string(models.WithdrawStatusSuccess),
			string(models.WithdrawStatusFailed),
		}).
		Order("updated_at DESC").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

func (r *withdrawIntentRepository) ListRetryable(ctx context.Context, staleBefore time.Time, limit int) ([]*models.WithdrawIntent, error) {
	var intents []*models.WithdrawIntent
	err := r.db.WithContext(ctx).
		Where(
			r.db.Where("status = ?", string(models.WithdrawStatusFailed)).
				Or("status IN ? AND processing_lease_until < ?", statusStrings(models.WithdrawProcessingClass), staleBefore),
		).
		Order("updated_at ASC").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

func (r *withdrawIntentRepository) TryLock(ctx context.Context, refID string, ttl time.Duration) (string, error) {
	now := time.Now()
	owner := uuid.NewString()

	res := r.db.WithContext(ctx).
		Model(&models.WithdrawIntent{}).
		Where("ref_id = ?", refID).
		Where(
			r.db.Where("status IN ?", statusStrings(models.WithdrawLockableIdle)).
				Or("status IN ? AND processing_lease_until < ?", statusStrings(models.WithdrawProcessingClass), now),
		).
		Updates(map[string]interface{}{
			"status":                 string(models.WithdrawStatusProcessing),
			"processing_owner":       owner,
			"processing_lease_until": now.Add(ttl),
			"error":                  "",
			"updated_at":             now,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 1 {
		return owner, nil
	}

	intent, err := r.GetByRefID(ctx, refID)
	if err != nil {
		return "", err
	}
	if intent.Status.Terminal() {
		return "", ErrAlreadyDone
	}
	return "", &LockBusyError{Status: string(intent.Status)}
}

func (r *withdrawIntentRepository) RenewLease(ctx context.Context, refID, owner string, ttl time.Duration) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.WithdrawIntent{}).
		Where("ref_id = ? AND processing_owner = ?", refID, owner).
		Where("status IN ?", statusStrings(models.WithdrawProcessingClass)).
		Updates(map[string]interface{}{
			"processing_lease_until": now.Add(ttl),
			"updated_at":             now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *withdrawIntentRepository) ForceUnlock(ctx context.Context, refID string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.WithdrawIntent{}).
		Where("ref_id = ?", refID).
		Where("status IN ?", statusStrings(models.WithdrawProcessingClass)).
		Updates(map[string]interface{}{
			"processing_lease_until": now.Add(-time.Second),
			"updated_at":             now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		intent, err := r.GetByRefID(ctx, refID)
		if err != nil {
			return err
		}
		return fmt.Errorf("intent %s holds no live lease (status %s)", refID, intent.Status)
	}
	return nil
}

func (r *withdrawIntentRepository) EnsureOwner(ctx context.Context, refID, owner string) error {
	intent, err := r.GetByRefID(ctx, refID)
	if err != nil {
		return err
	}
	if intent.Status.Terminal() {
		return ErrAlreadyDone
	}
	if intent.ProcessingOwner != owner {
		return ErrLeaseLost
	}
	return nil
}

func (r *withdrawIntentRepository) Advance(ctx context.Context, refID string, from, to models.WithdrawStatus, patch map[string]interface{}) (AdvanceOutcome, error) {
	if !models.CanAdvanceWithdraw(from, to) {
		return OutcomeRefused, fmt.Errorf("illegal withdraw transition %s -> %s", from, to)
	}

	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now(),
	}
	for k, v := range patch {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).
		Model(&models.WithdrawIntent{}).
		Where("ref_id = ? AND status = ?", refID, string(from)).
		Updates(updates)
	if res.Error != nil {
		return OutcomeRefused, res.Error
	}
	if res.RowsAffected == 1 {
		return OutcomeAdvanced, nil
	}

	intent, err := r.GetByRefID(ctx, refID)
	if err != nil {
		return OutcomeRefused, err
	}
	if intent.Status.AheadOrEqual(to) {
		if len(patch) > 0 {
			if err := r.MergeFacts(ctx, refID, patch); err != nil {
				return OutcomeAlreadyAhead, err
			}
		}
		return OutcomeAlreadyAhead, nil
	}
	return OutcomeRefused, nil
}

func (r *withdrawIntentRepository) MarkFailed(ctx context.Context, refID, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.WithdrawIntent{}).
		Where("ref_id = ? AND status <> ?", refID, string(models.WithdrawStatusSuccess)).
		Updates(map[string]interface{}{
			"status":     string(models.WithdrawStatusFailed),
			"error":      message,
			"updated_at": time.Now(),
		}).Error
}

func (r *withdrawIntentRepository) MergeFacts(ctx context.Context, refID string, updates map[string]interface{}) error {
	merged := map[string]interface{}{"updated_at": time.Now()}
	for k, v := range updates {
		merged[k] = v
	}
	return r.db.WithContext(ctx).
		Model(&models.WithdrawIntent{}).
		Where("ref_id = ?", refID).
		Updates(merged).Error
}

var withdrawStepColumns = map[string]bool{
	"burn_tx_hash":   true,
	"redeem_tx_hash": true,
	"from_tx_hash":   true,
	"to_tx_hash":     true,
}

func (r *withdrawIntentRepository) RecordStepTx(ctx context.Context, refID, column, txHash string) error {
	if !withdrawStepColumns[column] {
		return fmt.Errorf("unknown withdraw step column %q", column)
	}
	res := r.db.WithContext(ctx).
		Model(&models.WithdrawIntent{}).
		Where("ref_id = ?", refID).
		Where(fmt.Sprintf("(%s IS NULL OR %s = '' OR LOWER(%s) = LOWER(?))", column, column, column), txHash).
		Updates(map[string]interface{}{
			column:       txHash,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.GetByRefID(ctx, refID); err != nil {
		return err
	}
	return &ImmutableFieldError{Field: column}
}

func (r *withdrawIntentRepository) CompleteSuccess(ctx context.Context, refID, toTxHash, amountOut string) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":      string(models.WithdrawStatusSuccess),
		"consumed_at": now,
		"updated_at":  now,
	}
	if toTxHash != "" {
		updates["to_tx_hash"] = toTxHash
	}
	if amountOut != "" {
		updates["amount_out"] = amountOut
	}
	res := r.db.WithContext(ctx).
		Model(&models.WithdrawIntent{}).
		Where("ref_id = ? AND status IN ?", refID, []string{
			string(models.WithdrawStatusBridging),
			string(models.WithdrawStatusRedeemed),
		}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
