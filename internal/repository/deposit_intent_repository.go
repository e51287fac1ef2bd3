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

// DepositIntentRepository defines the data access surface for DepositIntent.
// All mutations are conditional datastore updates; mutual exclusion across
// concurrent finishers comes from these, not from in-process locking.
type DepositIntentRepository interface {
	Create(ctx context.Context, intent *models.DepositIntent) error
	GetByRefID(ctx context.Context, refID string) (*models.DepositIntent, error)
	FindBySignatureBinding(ctx context.Context, digest, signature string) (*models.DepositIntent, error)
	ListPendingByUser(ctx context.Context, user string, limit int) ([]*models.DepositIntent, error)
	ListRetryable(ctx context.Context, staleBefore time.Time, limit int) ([]*models.DepositIntent, error)

	// Lease manager
	TryLock(ctx context.Context, refID string, ttl time.Duration) (owner string, err error)
	RenewLease(ctx context.Context, refID, owner string, ttl time.Duration) error
	EnsureOwner(ctx context.Context, refID, owner string) error
	ForceUnlock(ctx context.Context, refID string) error

	// Status ledger
	Advance(ctx context.Context, refID string, from, to models.DepositStatus, patch map[string]interface{}) (AdvanceOutcome, error)
	MarkFailed(ctx context.Context, refID, message string) error

	// Progress intake: every field is write-once, applied in one atomic write
	AttachProgress(ctx context.Context, refID string, patch DepositProgressPatch) error

	// Fact merge under a held lease
	MergeFacts(ctx context.Context, refID string, updates map[string]interface{}) error
	TightenMinAmount(ctx context.Context, refID, minAmount string) error

	// Mint completion: conditional flip that prevents a double mint
	CompleteMint(ctx context.Context, refID, mintTxHash string) (bool, error)
	ForceCompleteMint(ctx context.Context, refID, mintTxHash string) (bool, error)
}

// DepositProgressPatch carries discovered on-chain facts. Zero values mean
// "not supplied"; supplied values are write-once.
type DepositProgressPatch struct {
	FromTxHash     string
	ToTxHash       string
	FromChainID    int64
	ToChainID      int64
	ToAddress      string
	ToTokenAddress string
	ToTokenSymbol  string
}

type depositIntentRepository struct {
	db *gorm.DB
}

// NewDepositIntentRepository creates a new DepositIntentRepository instance.
func NewDepositIntentRepository(db *gorm.DB) DepositIntentRepository {
	return &depositIntentRepository{db: db}
}

func (r *depositIntentRepository) Create(ctx context.Context, intent *models.DepositIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *depositIntentRepository) GetByRefID(ctx context.Context, refID string) (*models.DepositIntent, error) {
	var intent models.DepositIntent
	err := r.db.WithContext(ctx).Where("ref_id = ?", refID).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// FindBySignatureBinding finds the row backing a (digest, signature) pair.
func (r *depositIntentRepository) FindBySignatureBinding(ctx context.Context, digest, signature string) (*models.DepositIntent, error) {
	var intent models.DepositIntent
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

func (r *depositIntentRepository) ListPendingByUser(ctx context.Context, user string, limit int) ([]*models.DepositIntent, error) {
	var intents []*models.DepositIntent
	err := r.db.WithContext(ctx).
		Where("LOWER(\"user\") = ?", strings.ToLower(user)).
		Where("status NOT IN ?", []string{
			string(models.DepositStatusMinted),
			string(models.DepositStatusFailed),
		}).
		Order("updated_at DESC").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

// ListRetryable returns FAILED rows and rows stuck in a processing-class
// status past their lease, for the scheduled retry loop.
func (r *depositIntentRepository) ListRetryable(ctx context.Context, staleBefore time.Time, limit int) ([]*models.DepositIntent, error) {
	var intents []*models.DepositIntent
	err := r.db.WithContext(ctx).
		Where(
			r.db.Where("status = ?", string(models.DepositStatusFailed)).
				Or("status IN ? AND processing_lease_until < ?", statusStrings(models.DepositProcessingClass), staleBefore),
		).
		Order("updated_at ASC").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

// TryLock flips the intent into PROCESSING under a fresh owner token,
// but only from an idle-lockable status or a processing-class status whose
// lease expired. Exactly one concurrent caller can match the row.
func (r *depositIntentRepository) TryLock(ctx context.Context, refID string, ttl time.Duration) (string, error) {
	now := time.Now()
	owner := uuid.NewString()
	leaseUntil := now.Add(ttl)

	res := r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ?", refID).
		Where(
			r.db.Where("status IN ?", statusStrings(models.DepositLockableIdle)).
				Or("status IN ? AND processing_lease_until < ?", statusStrings(models.DepositProcessingClass), now),
		).
		Updates(map[string]interface{}{
			"status":                 string(models.DepositStatusProcessing),
			"processing_owner":       owner,
			"processing_lease_until": leaseUntil,
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

// RenewLease bumps the lease expiry, only while the caller still owns it.
func (r *depositIntentRepository) RenewLease(ctx context.Context, refID, owner string, ttl time.Duration) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ? AND processing_owner = ?", refID, owner).
		Where("status IN ?", statusStrings(models.DepositProcessingClass)).
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

// ForceUnlock expires a live lease immediately so the next finish attempt
// can claim the row. Admin escape hatch for a worker that died mid-lease.
func (r *depositIntentRepository) ForceUnlock(ctx context.Context, refID string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ?", refID).
		Where("status IN ?", statusStrings(models.DepositProcessingClass)).
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

// EnsureOwner guards a timed-out worker's late write from clobbering a
// newer attempt. Terminal success reports ErrAlreadyDone instead.
func (r *depositIntentRepository) EnsureOwner(ctx context.Context, refID, owner string) error {
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

// Advance performs the guarded from -> to transition and merges patch
// atomically. Replays are safe: if the row already reached or passed `to`,
// the patch is still applied and OutcomeAlreadyAhead is returned.
func (r *depositIntentRepository) Advance(ctx context.Context, refID string, from, to models.DepositStatus, patch map[string]interface{}) (AdvanceOutcome, error) {
	if !models.CanAdvanceDeposit(from, to) {
		return OutcomeRefused, fmt.Errorf("illegal deposit transition %s -> %s", from, to)
	}

	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": time.Now(),
	}
	for k, v := range patch {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
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

// MarkFailed records a retryable failure. A confirmed mint is never
// regressed.
func (r *depositIntentRepository) MarkFailed(ctx context.Context, refID, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ? AND status <> ?", refID, string(models.DepositStatusMinted)).
		Updates(map[string]interface{}{
			"status":     string(models.DepositStatusFailed),
			"error":      message,
			"updated_at": time.Now(),
		}).Error
}

// AttachProgress applies discovered facts under write-once discipline in a
// single atomic conditional update. Destination facts must match the
// configured constants; that check happens in the service layer, the
// repository enforces first-writer-wins.
func (r *depositIntentRepository) AttachProgress(ctx context.Context, refID string, patch DepositProgressPatch) error {
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}

	tx := r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ?", refID)

	type stringField struct {
		column string
		value  string
	}
	stringFields := []stringField{
		{"from_tx_hash", patch.FromTxHash},
		{"to_tx_hash", patch.ToTxHash},
		{"to_address", patch.ToAddress},
		{"to_token_address", patch.ToTokenAddress},
		{"to_token_symbol", patch.ToTokenSymbol},
	}
	supplied := 0
	for _, f := range stringFields {
		if f.value == "" {
			continue
		}
		supplied++
		updates[f.column] = f.value
		// write-once, case-insensitive: unset or equal
		tx = tx.Where(
			fmt.Sprintf("(%s IS NULL OR %s = '' OR LOWER(%s) = LOWER(?))", f.column, f.column, f.column),
			f.value,
		)
	}
	if patch.FromChainID != 0 {
		supplied++
		updates["from_chain_id"] = patch.FromChainID
		tx = tx.Where("(from_chain_id IS NULL OR from_chain_id = 0 OR from_chain_id = ?)", patch.FromChainID)
	}
	if patch.ToChainID != 0 {
		supplied++
		updates["to_chain_id"] = patch.ToChainID
		tx = tx.Where("(to_chain_id IS NULL OR to_chain_id = 0 OR to_chain_id = ?)", patch.ToChainID)
	}
	if supplied == 0 {
		return nil
	}

	// Status bumps ride in the same write: a captured source tx moves
	// PENDING to WAITING_ROUTE, an observed destination tx moves
	// PENDING/WAITING_ROUTE to BRIDGED.
	if patch.ToTxHash != "" {
		updates["status"] = gorm.Expr(
			"CASE WHEN status IN ('PENDING','WAITING_ROUTE') THEN 'BRIDGED' ELSE status END")
	} else if patch.FromTxHash != "" {
		updates["status"] = gorm.Expr(
			"CASE WHEN status = 'PENDING' THEN 'WAITING_ROUTE' ELSE status END")
	}

	res := tx.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Zero rows: either unknown refId or a write-once conflict.
	intent, err := r.GetByRefID(ctx, refID)
	if err != nil {
		return err
	}
	return firstDepositConflict(intent, patch)
}

// firstDepositConflict names the write-once field that rejected the patch.
func firstDepositConflict(intent *models.DepositIntent, patch DepositProgressPatch) error {
	conflicts := []struct {
		field    string
		current  string
		incoming string
	}{
		{"fromTxHash", intent.FromTxHash, patch.FromTxHash},
		{"toTxHash", intent.ToTxHash, patch.ToTxHash},
		{"toAddress", intent.ToAddress, patch.ToAddress},
		{"toTokenAddress", intent.ToTokenAddress, patch.ToTokenAddress},
		{"toTokenSymbol", intent.ToTokenSymbol, patch.ToTokenSymbol},
	}
	for _, c := range conflicts {
		if c.incoming != "" && c.current != "" && !strings.EqualFold(c.current, c.incoming) {
			return &ImmutableFieldError{Field: c.field}
		}
	}
	if patch.FromChainID != 0 && intent.FromChainID != 0 && intent.FromChainID != patch.FromChainID {
		return &ImmutableFieldError{Field: "fromChainId"}
	}
	if patch.ToChainID != 0 && intent.ToChainID != 0 && intent.ToChainID != patch.ToChainID {
		return &ImmutableFieldError{Field: "toChainId"}
	}
	return fmt.Errorf("progress update matched no row for %s", intent.RefID)
}

func (r *depositIntentRepository) MergeFacts(ctx context.Context, refID string, updates map[string]interface{}) error {
	merged := map[string]interface{}{"updated_at": time.Now()}
	for k, v := range updates {
		merged[k] = v
	}
	return r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ?", refID).
		Updates(merged).Error
}

// TightenMinAmount replaces minAmount only with a smaller value. Amounts
// are decimal strings; the comparison happens in the service layer, the
// conditional here guards against a concurrent loosening race.
func (r *depositIntentRepository) TightenMinAmount(ctx context.Context, refID, minAmount string) error {
	res := r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ?", refID).
		Where("min_amount IS NULL OR min_amount = '' OR CAST(min_amount AS NUMERIC) > CAST(? AS NUMERIC)", minAmount).
		Updates(map[string]interface{}{
			"min_amount": minAmount,
			"updated_at": time.Now(),
		})
	return res.Error
}

// CompleteMint flips to MINTED only from DEPOSITED or MINTING, preventing a
// double mint under concurrent finishers. Returns whether the write matched.
func (r *depositIntentRepository) CompleteMint(ctx context.Context, refID, mintTxHash string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ? AND status IN ?", refID, []string{
			string(models.DepositStatusDeposited),
			string(models.DepositStatusMinting),
		}).
		Updates(map[string]interface{}{
			"status":       string(models.DepositStatusMinted),
			"mint_tx_hash": mintTxHash,
			"consumed_at":  now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ForceCompleteMint recovers from the benign race where a concurrent
// finisher moved the status underneath a successful mint. It refuses when a
// different mint hash is already recorded.
func (r *depositIntentRepository) ForceCompleteMint(ctx context.Context, refID, mintTxHash string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.DepositIntent{}).
		Where("ref_id = ? AND status <> ?", refID, string(models.DepositStatusMinted)).
		Where("mint_tx_hash IS NULL OR mint_tx_hash = '' OR mint_tx_hash = ?", mintTxHash).
		Updates(map[string]interface{}{
			"status":       string(models.DepositStatusMinted),
			"mint_tx_hash": mintTxHash,
			"consumed_at":  now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
