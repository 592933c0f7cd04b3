package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-service/internal/models"
)

// GormStore is the MySQL/Postgres ledger.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateTransaction(ctx context.Context, txn *models.Transaction, legs []*models.SplitLeg, referral *models.Referral) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(txn).Error; err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		for _, leg := range legs {
			leg.TransactionID = txn.ID
		}
		if len(legs) > 0 {
			if err := tx.Create(&legs).Error; err != nil {
				return fmt.Errorf("create split legs: %w", err)
			}
		}
		if referral != nil {
			referral.TransactionID = txn.ID
			if err := tx.Create(referral).Error; err != nil {
				return fmt.Errorf("create referral: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetTransaction(ctx context.Context, id uint) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).First(&txn, id).Error; err != nil {
		return nil, translate(err, "transaction %d", id)
	}
	return &txn, nil
}

func (s *GormStore) GetTransactionByCollectionReference(ctx context.Context, ref string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.WithContext(ctx).
		Where("collection_reference = ? OR reference = ?", ref, ref).
		First(&txn).Error
	if err != nil {
		return nil, translate(err, "transaction with collection reference %q", ref)
	}
	return &txn, nil
}

func (s *GormStore) AttachCollectionReference(ctx context.Context, id uint, ref, authorizationURL string) error {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"collection_reference": ref, "authorization_url": authorizationURL})
	return res.Error
}

func (s *GormStore) TransitionTransaction(ctx context.Context, id uint, from, to models.TransactionStatus, upd TransactionUpdate) error {
	if err := checkTransaction(from, to); err != nil {
		return err
	}
	values := upd.columns()
	values["status"] = to

	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missOrConflict(ctx, &models.Transaction{}, "transaction", id)
	}
	return nil
}

func (s *GormStore) ListStaleTransactions(ctx context.Context, status models.TransactionStatus, before time.Time, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("updated_at").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (s *GormStore) SaveUnmatchedCollection(ctx context.Context, result *models.UnmatchedCollection) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(result).Error
}

func (s *GormStore) TakeUnmatchedCollection(ctx context.Context, ref string) (*models.UnmatchedCollection, error) {
	var result models.UnmatchedCollection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection_reference = ?", ref).First(&result).Error; err != nil {
			return translate(err, "unmatched collection %q", ref)
		}
		return tx.Delete(&models.UnmatchedCollection{}, result.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *GormStore) ListLegs(ctx context.Context, transactionID uint) ([]models.SplitLeg, error) {
	var legs []models.SplitLeg
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id").
		Find(&legs).Error
	return legs, err
}

func (s *GormStore) GetLeg(ctx context.Context, id uint) (*models.SplitLeg, error) {
	var leg models.SplitLeg
	if err := s.db.WithContext(ctx).First(&leg, id).Error; err != nil {
		return nil, translate(err, "split leg %d", id)
	}
	return &leg, nil
}

func (s *GormStore) GetLegByConversationID(ctx context.Context, conversationID string) (*models.SplitLeg, error) {
	var leg models.SplitLeg
	err := s.db.WithContext(ctx).
		Where("reference = ? OR provider_conversation_id = ?", conversationID, conversationID).
		First(&leg).Error
	if err != nil {
		return nil, translate(err, "split leg with conversation %q", conversationID)
	}
	return &leg, nil
}

func (s *GormStore) AttachLegConversation(ctx context.Context, legID uint, conversationID string) error {
	res := s.db.WithContext(ctx).Model(&models.SplitLeg{}).
		Where("id = ?", legID).
		Update("provider_conversation_id", conversationID)
	return res.Error
}

func (s *GormStore) TransitionLeg(ctx context.Context, id uint, from, to models.LegStatus, upd LegUpdate) error {
	if err := checkLeg(from, to); err != nil {
		return err
	}
	values := upd.columns()
	values["status"] = to

	q := s.db.WithContext(ctx).Model(&models.SplitLeg{}).Where("id = ? AND status = ?", id, from)
	if isRetry(from, to) {
		q = q.Where("retry_count < max_retries")
		values["retry_count"] = gorm.Expr("retry_count + ?", 1)
	}
	res := q.Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missOrConflict(ctx, &models.SplitLeg{}, "split leg", id)
	}
	return nil
}

func (s *GormStore) ListStaleLegs(ctx context.Context, status models.LegStatus, before time.Time, limit int) ([]models.SplitLeg, error) {
	var legs []models.SplitLeg
	q := s.db.WithContext(ctx).
		Select("split_legs.*").
		Joins("JOIN transactions ON transactions.id = split_legs.transaction_id").
		Where("split_legs.status = ? AND split_legs.updated_at < ? AND transactions.status = ?",
			status, before, models.TransactionProcessing)
	if status == models.LegFailed {
		q = q.Where("split_legs.retry_count < split_legs.max_retries")
	}
	err := q.Order("split_legs.updated_at").Limit(limit).Find(&legs).Error
	return legs, err
}

func (s *GormStore) GetReferralByTransaction(ctx context.Context, transactionID uint) (*models.Referral, error) {
	var ref models.Referral
	err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&ref).Error
	if err != nil {
		return nil, translate(err, "referral for transaction %d", transactionID)
	}
	return &ref, nil
}

// MarkReferralPaid is idempotent: an already paid referral is left untouched.
func (s *GormStore) MarkReferralPaid(ctx context.Context, transactionID uint, paidAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("transaction_id = ? AND is_paid = ?", transactionID, false).
		Updates(map[string]interface{}{"is_paid": true, "paid_at": paidAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	_, err := s.GetReferralByTransaction(ctx, transactionID)
	return err
}

func (s *GormStore) SetReferralApproval(ctx context.Context, id uint, approved bool) (*models.Referral, error) {
	res := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ?", id).
		Update("is_approved", approved)
	if res.Error != nil {
		return nil, res.Error
	}
	var ref models.Referral
	if err := s.db.WithContext(ctx).First(&ref, id).Error; err != nil {
		return nil, translate(err, "referral %d", id)
	}
	return &ref, nil
}

func (s *GormStore) ListReferrals(ctx context.Context, affiliateID uint, page, limit int) ([]models.Referral, int64, error) {
	scoped := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.Referral{}).Where("affiliate_id = ?", affiliateID)
	}
	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var refs []models.Referral
	err := scoped().Order("id DESC").Offset((page - 1) * limit).Limit(limit).Find(&refs).Error
	return refs, total, err
}

func (s *GormStore) CommissionSummary(ctx context.Context, affiliateID uint) (*CommissionSummary, error) {
	sum := &CommissionSummary{AffiliateID: affiliateID}
	db := s.db.WithContext(ctx)

	err := db.Model(&models.Referral{}).
		Select(`COALESCE(SUM(commission_amount), 0) AS total_commission,
			COALESCE(SUM(CASE WHEN is_paid THEN commission_amount ELSE 0 END), 0) AS paid_commission,
			COALESCE(SUM(CASE WHEN is_paid THEN 1 ELSE 0 END), 0) AS paid_referrals`).
		Where("affiliate_id = ? AND is_approved = ?", affiliateID, true).
		Scan(sum).Error
	if err != nil {
		return nil, err
	}
	if err := db.Model(&models.Transaction{}).Where("affiliate_id = ?", affiliateID).Count(&sum.Referrals).Error; err != nil {
		return nil, err
	}
	err = db.Model(&models.Transaction{}).
		Where("affiliate_id = ? AND status IN ?", affiliateID, purchasedStatuses).
		Count(&sum.Purchases).Error
	if err != nil {
		return nil, err
	}

	sum.PendingCommission = sum.TotalCommission.Sub(sum.PaidCommission)
	sum.ConversionRate = conversionRate(sum.Purchases, sum.Referrals)
	return sum, nil
}

func (s *GormStore) RecordPayout(ctx context.Context, payout *models.Payout) error {
	return s.db.WithContext(ctx).Create(payout).Error
}

func (s *GormStore) CountLegs(ctx context.Context) ([]LegCount, error) {
	var rows []LegCount
	err := s.db.WithContext(ctx).Model(&models.SplitLeg{}).
		Select("role, status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
		Group("role, status").
		Order("role, status").
		Scan(&rows).Error
	return rows, err
}

func (s *GormStore) LogCallback(ctx context.Context, entry *models.CallbackLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) GetParty(ctx context.Context, id uint) (*models.Party, error) {
	var p models.Party
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, translate(err, "party %d", id)
	}
	return &p, nil
}

func (s *GormStore) GetPartyByAffiliateCode(ctx context.Context, code string) (*models.Party, error) {
	var p models.Party
	if err := s.db.WithContext(ctx).Where("affiliate_code = ?", code).First(&p).Error; err != nil {
		return nil, translate(err, "party with affiliate code %q", code)
	}
	return &p, nil
}

func (s *GormStore) missOrConflict(ctx context.Context, model interface{}, what string, id uint) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("%s %d: %w", what, id, ErrConflict)
}

func translate(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return err
}

func (u TransactionUpdate) columns() map[string]interface{} {
	m := map[string]interface{}{}
	if u.PayerContact != nil {
		m["payer_contact"] = *u.PayerContact
	}
	if u.FailureReason != nil {
		m["failure_reason"] = *u.FailureReason
	}
	if u.CompletedAt != nil {
		m["completed_at"] = *u.CompletedAt
	}
	return m
}

func (u LegUpdate) columns() map[string]interface{} {
	m := map[string]interface{}{}
	if u.Reference != nil {
		m["reference"] = *u.Reference
	}
	if u.ProviderTransactionID != nil {
		m["provider_transaction_id"] = *u.ProviderTransactionID
	}
	if u.ResultCode != nil {
		m["result_code"] = *u.ResultCode
	}
	if u.ResultDesc != nil {
		m["result_desc"] = *u.ResultDesc
	}
	if u.ProcessedAt != nil {
		m["processed_at"] = *u.ProcessedAt
	}
	if u.CompletedAt != nil {
		m["completed_at"] = *u.CompletedAt
	}
	if u.ExhaustRetries {
		m["retry_count"] = gorm.Expr("max_retries")
	}
	return m
}
