package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"settlement-service/internal/config"
	"settlement-service/internal/ledger"
	"settlement-service/internal/metrics"
	"settlement-service/internal/models"
	"settlement-service/internal/split"
	"settlement-service/pkg/common"
)

// RetryScheduler defers a leg retry. attempt is the retry number, starting at 1.
type RetryScheduler interface {
	ScheduleLegRetry(ctx context.Context, legID uint, attempt int) error
}

// StatusCache is told whenever a transaction's visible state changes.
type StatusCache interface {
	Invalidate(ctx context.Context, transactionID uint)
}

type SettlementConfig struct {
	Currency        string
	MaxRetries      int
	RegistrationFee decimal.Decimal
	// StaleAfter is how long a processing leg may wait for its result.
	StaleAfter time.Duration
	// RetryIdle is how long a pending or failed leg of a processing
	// transaction may sit before the sweeper re-drives it.
	RetryIdle time.Duration
	// CollectTimeout is how long a transaction may wait in collecting for
	// the payer before the sweeper fails it.
	CollectTimeout time.Duration
	SweepBatch     int
	// ChannelPlaces caps the split precision per channel. Channels not
	// listed use the calculator's precision.
	ChannelPlaces map[models.Channel]int32
}

// DefaultChannelPlaces lists the channels that settle coarser than the
// currency's minor unit.
func DefaultChannelPlaces() map[models.Channel]int32 {
	return map[models.Channel]int32{models.ChannelMpesa: MpesaPlaces}
}

func SettlementConfigFrom(cfg *config.Config) SettlementConfig {
	return SettlementConfig{
		Currency:        cfg.Currency,
		MaxRetries:      cfg.MaxRetries,
		RegistrationFee: cfg.RegistrationFee,
		StaleAfter:      cfg.DisbursementStaleAfter,
		RetryIdle:       cfg.RetryMaxDelay,
		CollectTimeout:  cfg.CollectionTimeout,
		SweepBatch:      100,
		ChannelPlaces:   DefaultChannelPlaces(),
	}
}

// SettlementService drives transactions from creation through collection to
// per-leg disbursement. Every state change goes through the ledger's
// compare-and-set transitions, so duplicate or concurrent callbacks are
// harmless.
type SettlementService struct {
	store    ledger.Store
	parties  ledger.PartyDirectory
	calc     *split.Calculator
	cfg      SettlementConfig
	validate *validator.Validate

	collectors map[models.Channel]CollectionGateway
	disbursers map[models.Channel]DisbursementGateway

	retries   RetryScheduler
	publisher PayoutPublisher
	notifier  Notifier
	mailer    Notifier
	cache     StatusCache

	log *logrus.Entry
	now func() time.Time
}

func NewSettlementService(store ledger.Store, parties ledger.PartyDirectory, calc *split.Calculator, cfg SettlementConfig, logger *logrus.Logger) *SettlementService {
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 30 * time.Minute
	}
	if cfg.ChannelPlaces == nil {
		cfg.ChannelPlaces = DefaultChannelPlaces()
	}
	return &SettlementService{
		store:      store,
		parties:    parties,
		calc:       calc,
		cfg:        cfg,
		validate:   validator.New(),
		collectors: map[models.Channel]CollectionGateway{},
		disbursers: map[models.Channel]DisbursementGateway{},
		publisher:  NewLogPayoutPublisher(logger),
		notifier:   NewLogNotifier(logger),
		log:        logger.WithField("component", "settlement"),
		now:        time.Now,
	}
}

// RegisterChannel makes a payment channel available. Legs are disbursed on
// the channel their transaction was collected on.
func (s *SettlementService) RegisterChannel(ch models.Channel, collector CollectionGateway, disburser DisbursementGateway) {
	if collector != nil {
		s.collectors[ch] = collector
	}
	if disburser != nil {
		s.disbursers[ch] = disburser
	}
}

// UseRetryScheduler defers retries to r. Without a scheduler retries run
// inline, still bounded by each leg's max_retries.
func (s *SettlementService) UseRetryScheduler(r RetryScheduler) {
	s.retries = r
}

func (s *SettlementService) UsePublisher(p PayoutPublisher) {
	s.publisher = p
}

func (s *SettlementService) UseNotifier(n Notifier) {
	s.notifier = n
}

// UseMailer sends payer notices to the payer's email address as well.
func (s *SettlementService) UseMailer(n Notifier) {
	s.mailer = n
}

func (s *SettlementService) UseStatusCache(c StatusCache) {
	s.cache = c
}

type CreateTransactionInput struct {
	Kind          models.TransactionKind `json:"kind" validate:"required,oneof=product_sale registration_fee"`
	PayerID       uint                   `json:"payer_id"`
	PayerContact  string                 `json:"payer_contact" validate:"max=50"`
	PayerEmail    string                 `json:"payer_email" validate:"omitempty,email"`
	VendorID      uint                   `json:"vendor_id" validate:"required"`
	AffiliateID   *uint                  `json:"affiliate_id"`
	AffiliateCode string                 `json:"affiliate_code" validate:"max=20"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency" validate:"omitempty,len=3"`
	Channel       models.Channel         `json:"channel" validate:"required,oneof=mpesa paystack"`
}

// CreateTransaction computes the split for in and persists the transaction,
// its legs and any referral in one step. The returned legs are the payment
// breakdown shown at checkout.
func (s *SettlementService) CreateTransaction(ctx context.Context, in CreateTransactionInput) (*models.Transaction, []models.SplitLeg, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	currency := in.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	if currency != s.cfg.Currency {
		return nil, nil, validationError("currency %s is not supported", currency)
	}
	amount := in.Amount
	if in.Kind == models.KindRegistrationFee && amount.IsZero() {
		amount = s.cfg.RegistrationFee
	}

	vendor, err := s.parties.GetParty(ctx, in.VendorID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, validationError("vendor %d does not exist", in.VendorID)
		}
		return nil, nil, err
	}
	if vendor.Role != models.PartyVendor || !vendor.Active {
		return nil, nil, validationError("party %d is not an active vendor", in.VendorID)
	}
	affiliate := s.resolveAffiliate(ctx, in, vendor.ID)

	policy, err := split.PolicyFor(in.Kind)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	result, err := s.calculatorFor(in.Channel).Compute(policy, amount, affiliate != nil)
	if err != nil {
		return nil, nil, err
	}

	txn := &models.Transaction{
		Reference:       common.GenerateReference("STL"),
		Kind:            in.Kind,
		PayerID:         in.PayerID,
		PayerContact:    in.PayerContact,
		PayerEmail:      in.PayerEmail,
		VendorID:        vendor.ID,
		Amount:          amount,
		Currency:        currency,
		Channel:         in.Channel,
		Status:          models.TransactionPending,
		CompanyAmount:   result.Amount(models.RoleCompany),
		VendorAmount:    result.Amount(models.RoleVendor),
		AffiliateAmount: result.Amount(models.RoleAffiliate),
	}
	if affiliate != nil {
		txn.AffiliateID = &affiliate.ID
	}

	legs := make([]*models.SplitLeg, 0, len(result.Allocations))
	for _, alloc := range result.Allocations {
		leg := &models.SplitLeg{
			Role:       alloc.Role,
			Amount:     alloc.Amount,
			Status:     models.LegPending,
			MaxRetries: s.cfg.MaxRetries,
		}
		switch alloc.Role {
		case models.RoleVendor:
			snapshotPayout(leg, vendor)
		case models.RoleAffiliate:
			snapshotPayout(leg, affiliate)
		}
		legs = append(legs, leg)
	}

	var referral *models.Referral
	if affiliate != nil {
		referral = &models.Referral{
			AffiliateID:      affiliate.ID,
			CommissionAmount: result.Amount(models.RoleAffiliate),
			CommissionRate:   policy.Fraction(models.RoleAffiliate, true).Shift(2),
			IsApproved:       true,
		}
	}

	if err := s.store.CreateTransaction(ctx, txn, legs, referral); err != nil {
		return nil, nil, err
	}

	out := make([]models.SplitLeg, 0, len(legs))
	for _, leg := range legs {
		out = append(out, *leg)
	}
	s.log.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"reference":      txn.Reference,
		"kind":           txn.Kind,
		"amount":         txn.Amount.String(),
	}).Info("transaction created")
	return txn, out, nil
}

// calculatorFor rounds shares to what the channel can actually pay out, so
// no leg is created with an amount its rail would reject.
func (s *SettlementService) calculatorFor(ch models.Channel) *split.Calculator {
	if places, ok := s.cfg.ChannelPlaces[ch]; ok && places < s.calc.Places() {
		return split.NewCalculator(places)
	}
	return s.calc
}

// resolveAffiliate returns the referring affiliate, or nil when none was
// given or the one given cannot earn a commission on this sale.
func (s *SettlementService) resolveAffiliate(ctx context.Context, in CreateTransactionInput, vendorID uint) *models.Party {
	var (
		party *models.Party
		err   error
	)
	switch {
	case in.AffiliateID != nil:
		party, err = s.parties.GetParty(ctx, *in.AffiliateID)
	case in.AffiliateCode != "":
		party, err = s.parties.GetPartyByAffiliateCode(ctx, in.AffiliateCode)
	default:
		return nil
	}

	log := s.log.WithFields(logrus.Fields{"affiliate_id": in.AffiliateID, "affiliate_code": in.AffiliateCode})
	if err != nil {
		log.WithError(err).Warn("affiliate not resolved, settling without referral")
		return nil
	}
	if party.Role != models.PartyAffiliate || !party.Active {
		log.Warn("party is not an active affiliate, settling without referral")
		return nil
	}
	if party.ID == vendorID || (in.PayerID != 0 && party.ID == in.PayerID) {
		log.Warn("self referral ignored")
		return nil
	}
	return party
}

func snapshotPayout(leg *models.SplitLeg, p *models.Party) {
	id := p.ID
	leg.RecipientID = &id
	leg.PayoutPhone = p.Phone
	leg.PayoutRecipientCode = p.PaystackRecipientCode
	leg.PayoutBankCode = p.BankCode
	leg.PayoutAccountNumber = p.AccountNumber
	leg.PayoutAccountName = p.Name
}

// InitiateCollection asks the payer for the gross amount. payerContact, when
// set, overrides the contact captured at creation.
func (s *SettlementService) InitiateCollection(ctx context.Context, transactionID uint, payerContact string) (*models.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	collector, ok := s.collectors[txn.Channel]
	if !ok {
		return nil, validationError("channel %s is not available", txn.Channel)
	}

	var upd ledger.TransactionUpdate
	if payerContact != "" {
		upd.PayerContact = &payerContact
		txn.PayerContact = payerContact
	}
	if err := s.store.TransitionTransaction(ctx, txn.ID, models.TransactionPending, models.TransactionCollecting, upd); err != nil {
		return nil, err
	}
	defer s.invalidate(ctx, txn.ID)

	log := s.log.WithFields(logrus.Fields{"transaction_id": txn.ID, "channel": txn.Channel})
	handle, err := collector.InitiateCollection(ctx, CollectionRequest{
		Reference:    txn.Reference,
		PayerContact: txn.PayerContact,
		PayerEmail:   txn.PayerEmail,
		Amount:       txn.Amount,
		Currency:     txn.Currency,
		Description:  fmt.Sprintf("Payment %s", txn.Reference),
	})
	if err != nil {
		log.WithError(err).Warn("collection request failed")
		reason := err.Error()
		terr := s.store.TransitionTransaction(ctx, txn.ID, models.TransactionCollecting, models.TransactionFailed,
			ledger.TransactionUpdate{FailureReason: &reason})
		if terr != nil {
			log.WithError(terr).Error("could not mark transaction failed")
		} else {
			metrics.TransactionsSettledTotal.WithLabelValues(string(models.TransactionFailed)).Inc()
		}
		return nil, err
	}

	if err := s.store.AttachCollectionReference(ctx, txn.ID, handle.Reference, handle.AuthorizationURL); err != nil {
		return nil, err
	}
	log.WithField("collection_reference", handle.Reference).Info("collection initiated")
	if _, err := s.applyUnmatched(ctx, handle.Reference); err != nil {
		log.WithError(err).Error("early collection result not applied")
	}
	return s.store.GetTransaction(ctx, txn.ID)
}

// applyUnmatched replays a verdict that arrived before ref was attached to
// its transaction. It reports whether one was found.
func (s *SettlementService) applyUnmatched(ctx context.Context, ref string) (bool, error) {
	res, err := s.store.TakeUnmatchedCollection(ctx, ref)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.WithField("collection_reference", ref).Info("applying early collection result")
	return true, s.OnCollectionResult(ctx, ref, res.Success, res.Reason)
}

// OnCollectionResult applies the provider's verdict on a collection. Results
// for transactions no longer collecting are ignored. A verdict for an unknown
// handle is kept and applied once a transaction claims that handle.
func (s *SettlementService) OnCollectionResult(ctx context.Context, handle string, success bool, reason string) error {
	txn, err := s.store.GetTransactionByCollectionReference(ctx, handle)
	if err != nil {
		log := s.log.WithError(err).WithField("collection_reference", handle)
		if errors.Is(err, ledger.ErrNotFound) {
			perr := s.store.SaveUnmatchedCollection(ctx, &models.UnmatchedCollection{
				CollectionReference: handle,
				Success:             success,
				Reason:              reason,
			})
			if perr != nil {
				log.WithField("save_error", perr.Error()).Error("unmatched collection result dropped")
			}
		}
		log.Warn("collection result for unknown transaction")
		return err
	}
	log := s.log.WithFields(logrus.Fields{"transaction_id": txn.ID, "collection_reference": handle})
	if txn.Status != models.TransactionCollecting {
		log.WithField("status", txn.Status).Info("collection result ignored")
		return nil
	}
	if !success {
		return s.failCollection(ctx, txn, reason)
	}

	now := s.now()
	var settled, toDisburse []models.SplitLeg
	err = s.store.WithinTx(ctx, func(tx ledger.Store) error {
		settled, toDisburse = nil, nil
		if err := tx.TransitionTransaction(ctx, txn.ID, models.TransactionCollecting, models.TransactionProcessing, ledger.TransactionUpdate{}); err != nil {
			return err
		}
		legs, err := tx.ListLegs(ctx, txn.ID)
		if err != nil {
			return err
		}
		for _, leg := range legs {
			if leg.Status != models.LegPending {
				continue
			}
			if leg.Role == models.RoleCompany || leg.Amount.IsZero() {
				if err := tx.TransitionLeg(ctx, leg.ID, models.LegPending, models.LegCompleted, ledger.LegUpdate{CompletedAt: &now}); err != nil {
					return err
				}
				settled = append(settled, leg)
				continue
			}
			toDisburse = append(toDisburse, leg)
		}
		return nil
	})
	if errors.Is(err, ledger.ErrConflict) {
		log.Info("collection result lost race, ignored")
		return nil
	}
	if err != nil {
		return err
	}
	defer s.invalidate(ctx, txn.ID)

	log.Info("collection succeeded")
	for _, leg := range settled {
		s.countLeg(leg.Role, models.LegCompleted)
	}
	txn.Status = models.TransactionProcessing
	for _, leg := range toDisburse {
		if err := s.disburse(ctx, txn, leg); err != nil {
			log.WithError(err).WithField("leg_id", leg.ID).Error("disbursement not started")
		}
	}
	s.evaluateCompletion(ctx, txn.ID)
	return nil
}

func (s *SettlementService) failCollection(ctx context.Context, txn *models.Transaction, reason string) error {
	if reason == "" {
		reason = "collection failed"
	}
	err := s.store.WithinTx(ctx, func(tx ledger.Store) error {
		if err := tx.TransitionTransaction(ctx, txn.ID, models.TransactionCollecting, models.TransactionFailed,
			ledger.TransactionUpdate{FailureReason: &reason}); err != nil {
			return err
		}
		legs, err := tx.ListLegs(ctx, txn.ID)
		if err != nil {
			return err
		}
		for _, leg := range legs {
			if leg.Status != models.LegPending {
				continue
			}
			upd := ledger.LegUpdate{ResultDesc: &reason, ExhaustRetries: true}
			if err := tx.TransitionLeg(ctx, leg.ID, models.LegPending, models.LegFailed, upd); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ledger.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	defer s.invalidate(ctx, txn.ID)

	s.log.WithFields(logrus.Fields{"transaction_id": txn.ID, "reason": reason}).Info("collection failed")
	metrics.TransactionsSettledTotal.WithLabelValues(string(models.TransactionFailed)).Inc()
	s.notifyPayer(ctx, txn, fmt.Sprintf("Payment %s of %s %s was not completed: %s",
		txn.Reference, txn.Currency, txn.Amount.StringFixed(s.calc.Places()), reason))
	return nil
}

// DisburseLeg sends a pending leg of a processing transaction. Anything else
// is left alone, which keeps late retries from touching settled legs.
func (s *SettlementService) DisburseLeg(ctx context.Context, legID uint) error {
	leg, err := s.store.GetLeg(ctx, legID)
	if err != nil {
		return err
	}
	if leg.Status != models.LegPending {
		s.log.WithFields(logrus.Fields{"leg_id": legID, "status": leg.Status}).Debug("leg not pending, skipping")
		return nil
	}
	txn, err := s.store.GetTransaction(ctx, leg.TransactionID)
	if err != nil {
		return err
	}
	if txn.Status != models.TransactionProcessing {
		return nil
	}
	defer s.invalidate(ctx, txn.ID)
	return s.disburse(ctx, txn, *leg)
}

func (s *SettlementService) disburse(ctx context.Context, txn *models.Transaction, leg models.SplitLeg) error {
	ref := uuid.NewString()
	now := s.now()
	err := s.store.TransitionLeg(ctx, leg.ID, models.LegPending, models.LegProcessing,
		ledger.LegUpdate{Reference: &ref, ProcessedAt: &now})
	if errors.Is(err, ledger.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.countLeg(leg.Role, models.LegProcessing)
	leg.Status = models.LegProcessing
	leg.Reference = &ref

	log := s.log.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"leg_id":         leg.ID,
		"role":           leg.Role,
		"attempt":        leg.RetryCount + 1,
	})
	disburser, ok := s.disbursers[txn.Channel]
	if !ok {
		log.Error("no disbursement gateway for channel")
		return s.failLeg(ctx, leg, "unavailable", fmt.Sprintf("channel %s cannot disburse", txn.Channel))
	}

	conversationID, err := disburser.InitiateDisbursement(ctx, DisbursementRequest{
		Reference:     ref,
		Phone:         leg.PayoutPhone,
		RecipientCode: leg.PayoutRecipientCode,
		BankCode:      leg.PayoutBankCode,
		AccountNumber: leg.PayoutAccountNumber,
		AccountName:   leg.PayoutAccountName,
		Amount:        leg.Amount,
		Currency:      txn.Currency,
		Remarks:       fmt.Sprintf("%s share %s", leg.Role, txn.Reference),
	})
	if err != nil {
		log.WithError(err).Warn("disbursement request failed")
		return s.failLeg(ctx, leg, ErrorKind(err), err.Error())
	}
	if conversationID != "" && conversationID != ref {
		if err := s.store.AttachLegConversation(ctx, leg.ID, conversationID); err != nil {
			log.WithError(err).Error("could not record conversation id")
		}
	}
	log.WithField("conversation_id", conversationID).Info("disbursement initiated")
	return nil
}

// failLeg records a failed attempt and retries the leg if it has retries left.
func (s *SettlementService) failLeg(ctx context.Context, leg models.SplitLeg, code, desc string) error {
	err := s.store.TransitionLeg(ctx, leg.ID, models.LegProcessing, models.LegFailed,
		ledger.LegUpdate{ResultCode: &code, ResultDesc: &desc})
	if errors.Is(err, ledger.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.countLeg(leg.Role, models.LegFailed)
	leg.Status = models.LegFailed
	leg.ResultCode, leg.ResultDesc = code, desc
	return s.retryOrSettle(ctx, leg)
}

func (s *SettlementService) retryOrSettle(ctx context.Context, leg models.SplitLeg) error {
	log := s.log.WithFields(logrus.Fields{"leg_id": leg.ID, "role": leg.Role, "retry_count": leg.RetryCount})
	if !leg.RetryEligible() {
		log.Warn("leg failed permanently")
		s.evaluateCompletion(ctx, leg.TransactionID)
		return nil
	}
	err := s.store.TransitionLeg(ctx, leg.ID, models.LegFailed, models.LegPending, ledger.LegUpdate{})
	if errors.Is(err, ledger.ErrConflict) {
		s.evaluateCompletion(ctx, leg.TransactionID)
		return nil
	}
	if err != nil {
		return err
	}
	s.countLeg(leg.Role, models.LegPending)

	attempt := leg.RetryCount + 1
	if s.retries != nil {
		err := s.retries.ScheduleLegRetry(ctx, leg.ID, attempt)
		if err == nil {
			log.WithField("attempt", attempt).Info("leg retry scheduled")
			return nil
		}
		log.WithError(err).Warn("could not schedule retry, retrying inline")
	}
	return s.DisburseLeg(ctx, leg.ID)
}

// DisbursementResult is a provider's verdict on one transfer.
type DisbursementResult struct {
	ConversationID        string
	Success               bool
	ResultCode            string
	Reason                string
	ProviderTransactionID string
}

// OnDisbursementResult settles or fails the leg identified by
// res.ConversationID, which may be our reference or the provider's.
func (s *SettlementService) OnDisbursementResult(ctx context.Context, res DisbursementResult) error {
	leg, err := s.store.GetLegByConversationID(ctx, res.ConversationID)
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", res.ConversationID).Warn("disbursement result for unknown leg")
		return err
	}
	log := s.log.WithFields(logrus.Fields{"leg_id": leg.ID, "role": leg.Role, "transaction_id": leg.TransactionID})
	if leg.Status != models.LegProcessing {
		log.WithField("status", leg.Status).Info("disbursement result ignored")
		return nil
	}
	defer s.invalidate(ctx, leg.TransactionID)

	if !res.Success {
		code, reason := res.ResultCode, res.Reason
		if code == "" {
			code = "failed"
		}
		if reason == "" {
			reason = "disbursement failed"
		}
		log.WithFields(logrus.Fields{"result_code": code, "reason": reason}).Warn("disbursement failed")
		return s.failLeg(ctx, *leg, code, reason)
	}

	txn, err := s.store.GetTransaction(ctx, leg.TransactionID)
	if err != nil {
		return err
	}
	now := s.now()
	var payout *models.Payout
	err = s.store.WithinTx(ctx, func(tx ledger.Store) error {
		payout = nil
		upd := ledger.LegUpdate{CompletedAt: &now, ProviderTransactionID: &res.ProviderTransactionID}
		if res.ResultCode != "" {
			upd.ResultCode = &res.ResultCode
		}
		if res.Reason != "" {
			upd.ResultDesc = &res.Reason
		}
		if err := tx.TransitionLeg(ctx, leg.ID, models.LegProcessing, models.LegCompleted, upd); err != nil {
			return err
		}
		recipientID, ok := leg.Recipient().UserID()
		if !ok {
			return nil
		}
		payout = &models.Payout{
			TransactionID:         txn.ID,
			LegID:                 leg.ID,
			Role:                  leg.Role,
			RecipientID:           recipientID,
			Amount:                leg.Amount,
			Currency:              txn.Currency,
			ProviderTransactionID: res.ProviderTransactionID,
			PaidAt:                now,
		}
		if err := tx.RecordPayout(ctx, payout); err != nil {
			return err
		}
		if leg.Role == models.RoleAffiliate {
			if err := tx.MarkReferralPaid(ctx, txn.ID, now); err != nil && !errors.Is(err, ledger.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ledger.ErrConflict) {
		log.Info("disbursement result lost race, ignored")
		return nil
	}
	if err != nil {
		return err
	}

	s.countLeg(leg.Role, models.LegCompleted)
	log.WithField("provider_transaction_id", res.ProviderTransactionID).Info("disbursement completed")
	if payout != nil {
		event := PayoutEvent{
			PayoutID:              payout.ID,
			TransactionID:         txn.ID,
			TransactionReference:  txn.Reference,
			LegID:                 leg.ID,
			Role:                  leg.Role,
			RecipientID:           payout.RecipientID,
			Amount:                payout.Amount,
			Currency:              payout.Currency,
			ProviderTransactionID: payout.ProviderTransactionID,
			PaidAt:                payout.PaidAt,
		}
		if err := s.publisher.PublishPayout(ctx, event); err != nil {
			log.WithError(err).Error("payout event not published")
		}
		s.notify(ctx, leg.PayoutPhone, fmt.Sprintf("You have received %s %s for %s",
			payout.Currency, payout.Amount.StringFixed(s.calc.Places()), txn.Reference))
	}
	s.evaluateCompletion(ctx, txn.ID)
	return nil
}

// OnDisbursementTimeout treats a provider timeout as a retryable failure.
func (s *SettlementService) OnDisbursementTimeout(ctx context.Context, conversationID string) error {
	return s.OnDisbursementResult(ctx, DisbursementResult{
		ConversationID: conversationID,
		ResultCode:     "timeout",
		Reason:         "timeout",
	})
}

// evaluateCompletion closes a processing transaction once no leg will be
// attempted again.
func (s *SettlementService) evaluateCompletion(ctx context.Context, transactionID uint) {
	log := s.log.WithField("transaction_id", transactionID)
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		log.WithError(err).Error("completion check failed")
		return
	}
	if txn.Status != models.TransactionProcessing {
		return
	}
	legs, err := s.store.ListLegs(ctx, transactionID)
	if err != nil {
		log.WithError(err).Error("completion check failed")
		return
	}

	var failedReason string
	anyFailed := false
	for _, leg := range legs {
		if !leg.Terminal() {
			return
		}
		if leg.Status == models.LegFailed {
			anyFailed = true
			failedReason = leg.ResultDesc
		}
	}

	now := s.now()
	to := models.TransactionCompleted
	upd := ledger.TransactionUpdate{CompletedAt: &now}
	if anyFailed {
		to = models.TransactionCompletedWithFailedLegs
		if failedReason == "" {
			failedReason = "one or more payouts failed"
		}
		upd.FailureReason = &failedReason
	}
	err = s.store.TransitionTransaction(ctx, transactionID, models.TransactionProcessing, to, upd)
	if errors.Is(err, ledger.ErrConflict) {
		return
	}
	if err != nil {
		log.WithError(err).Error("could not close transaction")
		return
	}

	metrics.TransactionsSettledTotal.WithLabelValues(string(to)).Inc()
	log.WithField("status", to).Info("transaction settled")
	s.notifyPayer(ctx, txn, fmt.Sprintf("Payment %s of %s %s received. Thank you.",
		txn.Reference, txn.Currency, txn.Amount.StringFixed(s.calc.Places())))
}

// RecordCallback keeps the raw provider payload. Payloads that are not JSON
// are stored as a JSON string.
func (s *SettlementService) RecordCallback(ctx context.Context, provider, kind, reference string, payload []byte, outcome string) {
	data := payload
	if !json.Valid(data) {
		data, _ = json.Marshal(string(payload))
	}
	entry := &models.CallbackLog{
		Provider:  provider,
		Kind:      kind,
		Reference: reference,
		Payload:   datatypes.JSON(data),
		Outcome:   outcome,
	}
	if err := s.store.LogCallback(ctx, entry); err != nil {
		s.log.WithError(err).WithField("provider", provider).Warn("callback not logged")
	}
	metrics.CallbacksTotal.WithLabelValues(provider, kind, outcome).Inc()
}

// Reconcile recovers work whose callbacks never arrived or whose retries were
// lost. Collections waiting longer than CollectTimeout get any early verdict
// applied, otherwise they fail. Legs processing for longer than StaleAfter are
// failed as timed out. Pending and failed legs idle for longer than RetryIdle
// are re-driven.
func (s *SettlementService) Reconcile(ctx context.Context) error {
	now := s.now()
	var errs []error

	collecting, err := s.store.ListStaleTransactions(ctx, models.TransactionCollecting, now.Add(-s.cfg.CollectTimeout), s.cfg.SweepBatch)
	if err != nil {
		return err
	}
	for _, txn := range collecting {
		if txn.CollectionReference != nil {
			applied, err := s.applyUnmatched(ctx, *txn.CollectionReference)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if applied {
				continue
			}
		}
		s.log.WithField("transaction_id", txn.ID).Warn("collection expired without a result")
		if err := s.failCollection(ctx, &txn, "collection timed out"); err != nil {
			errs = append(errs, err)
		}
	}

	stuck, err := s.store.ListStaleLegs(ctx, models.LegProcessing, now.Add(-s.cfg.StaleAfter), s.cfg.SweepBatch)
	if err != nil {
		return err
	}
	for _, leg := range stuck {
		if err := s.failLeg(ctx, leg, "timeout", "no disbursement result received"); err != nil {
			errs = append(errs, err)
		}
		s.invalidate(ctx, leg.TransactionID)
	}

	idleBefore := now.Add(-s.cfg.RetryIdle)
	pending, err := s.store.ListStaleLegs(ctx, models.LegPending, idleBefore, s.cfg.SweepBatch)
	if err != nil {
		return err
	}
	for _, leg := range pending {
		if err := s.DisburseLeg(ctx, leg.ID); err != nil {
			errs = append(errs, err)
		}
	}

	failed, err := s.store.ListStaleLegs(ctx, models.LegFailed, idleBefore, s.cfg.SweepBatch)
	if err != nil {
		return err
	}
	for _, leg := range failed {
		if err := s.retryOrSettle(ctx, leg); err != nil {
			errs = append(errs, err)
		}
		s.invalidate(ctx, leg.TransactionID)
	}

	if n := len(collecting) + len(stuck) + len(pending) + len(failed); n > 0 {
		s.log.WithFields(logrus.Fields{
			"collections": len(collecting),
			"timed_out":   len(stuck),
			"pending":     len(pending),
			"failed":      len(failed),
		}).Info("reconciliation pass finished")
	}
	return errors.Join(errs...)
}

// StartScheduler runs Reconcile every five minutes.
func (s *SettlementService) StartScheduler() *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("*/5 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		if err := s.Reconcile(ctx); err != nil {
			s.log.WithError(err).Error("reconciliation failed")
		}
	})
	if err != nil {
		s.log.WithError(err).Error("could not schedule reconciliation")
		return c
	}
	c.Start()
	s.log.Info("reconciliation scheduler started")
	return c
}

func (s *SettlementService) notify(ctx context.Context, to, message string) {
	if to == "" {
		return
	}
	if err := s.notifier.Notify(ctx, to, message); err != nil {
		s.log.WithError(err).Warn("notification not sent")
	}
}

func (s *SettlementService) notifyPayer(ctx context.Context, txn *models.Transaction, message string) {
	s.notify(ctx, txn.PayerContact, message)
	if s.mailer == nil || txn.PayerEmail == "" {
		return
	}
	if err := s.mailer.Notify(ctx, txn.PayerEmail, message); err != nil {
		s.log.WithError(err).Warn("email notice not sent")
	}
}

func (s *SettlementService) invalidate(ctx context.Context, transactionID uint) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, transactionID)
	}
}

func (s *SettlementService) countLeg(role models.Role, status models.LegStatus) {
	metrics.LegTransitionsTotal.WithLabelValues(string(role), string(status)).Inc()
}
