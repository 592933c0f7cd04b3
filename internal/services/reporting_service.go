package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/pkg/common"
)

// ReportingService serves read models. Transaction status views are cached in
// Redis when a client is configured; the settlement service invalidates them.
type ReportingService struct {
	store ledger.Store
	cache *redis.Client
	ttl   time.Duration
	log   *logrus.Entry
}

func NewReportingService(store ledger.Store, cache *redis.Client, ttl time.Duration, logger *logrus.Logger) *ReportingService {
	return &ReportingService{
		store: store,
		cache: cache,
		ttl:   ttl,
		log:   logger.WithField("component", "reporting"),
	}
}

type LegView struct {
	ID          uint             `json:"id"`
	Role        models.Role      `json:"role"`
	RecipientID *uint            `json:"recipient_id,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	Status      models.LegStatus `json:"status"`
	RetryCount  int              `json:"retry_count"`
	ResultDesc  string           `json:"result_desc,omitempty"`
}

type TransactionStatusView struct {
	ID               uint                     `json:"id"`
	Reference        string                   `json:"reference"`
	Kind             models.TransactionKind   `json:"kind"`
	Status           models.TransactionStatus `json:"status"`
	Amount           decimal.Decimal          `json:"amount"`
	Currency         string                   `json:"currency"`
	Channel          models.Channel           `json:"channel"`
	AuthorizationURL string                   `json:"authorization_url,omitempty"`
	FailureReason    string                   `json:"failure_reason,omitempty"`
	CompletedAt      *time.Time               `json:"completed_at,omitempty"`
	Legs             []LegView                `json:"legs"`
}

func statusKey(id uint) string {
	return fmt.Sprintf("settlement:txn:%d:status", id)
}

// TransactionStatus returns the transaction with its legs ordered company,
// vendor, affiliate.
func (s *ReportingService) TransactionStatus(ctx context.Context, id uint) (*TransactionStatusView, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, statusKey(id)).Bytes()
		if err == nil {
			var view TransactionStatusView
			if json.Unmarshal(data, &view) == nil {
				return &view, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.log.WithError(err).Warn("status cache read failed")
		}
	}

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	legs, err := s.store.ListLegs(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(legs, func(i, j int) bool { return legs[i].Role.Rank() < legs[j].Role.Rank() })

	view := &TransactionStatusView{
		ID:               txn.ID,
		Reference:        txn.Reference,
		Kind:             txn.Kind,
		Status:           txn.Status,
		Amount:           txn.Amount,
		Currency:         txn.Currency,
		Channel:          txn.Channel,
		AuthorizationURL: txn.AuthorizationURL,
		FailureReason:    txn.FailureReason,
		CompletedAt:      txn.CompletedAt,
		Legs:             make([]LegView, 0, len(legs)),
	}
	for _, leg := range legs {
		view.Legs = append(view.Legs, LegView{
			ID:          leg.ID,
			Role:        leg.Role,
			RecipientID: leg.RecipientID,
			Amount:      leg.Amount,
			Status:      leg.Status,
			RetryCount:  leg.RetryCount,
			ResultDesc:  leg.ResultDesc,
		})
	}

	if s.cache != nil && s.ttl > 0 {
		if data, err := json.Marshal(view); err == nil {
			if err := s.cache.Set(ctx, statusKey(id), data, s.ttl).Err(); err != nil {
				s.log.WithError(err).Warn("status cache write failed")
			}
		}
	}
	return view, nil
}

// Invalidate drops the cached status view of a transaction.
func (s *ReportingService) Invalidate(ctx context.Context, transactionID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, statusKey(transactionID)).Err(); err != nil {
		s.log.WithError(err).WithField("transaction_id", transactionID).Warn("status cache invalidation failed")
	}
}

func (s *ReportingService) AffiliateSummary(ctx context.Context, affiliateID uint) (*ledger.CommissionSummary, error) {
	return s.store.CommissionSummary(ctx, affiliateID)
}

func (s *ReportingService) AffiliateReferrals(ctx context.Context, affiliateID uint, page, limit int) (common.PaginationResult, error) {
	refs, total, err := s.store.ListReferrals(ctx, affiliateID, page, limit)
	if err != nil {
		return common.PaginationResult{}, err
	}
	if refs == nil {
		refs = []models.Referral{}
	}
	return common.PaginateResponse(refs, total, page, limit, ""), nil
}

func (s *ReportingService) LegCounts(ctx context.Context) ([]ledger.LegCount, error) {
	return s.store.CountLegs(ctx)
}

// SetReferralApproval lets an operator exclude a referral from commission totals.
func (s *ReportingService) SetReferralApproval(ctx context.Context, referralID uint, approved bool) (*models.Referral, error) {
	ref, err := s.store.SetReferralApproval(ctx, referralID, approved)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"referral_id": referralID, "approved": approved}).Info("referral approval changed")
	return ref, nil
}
