package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/internal/split"
)

type fakeCollector struct {
	requests []CollectionRequest
	err      error
	// answered runs before the handle is returned, like a provider that
	// calls back faster than the request completes.
	answered func(handle string)
}

func (c *fakeCollector) InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionHandle, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	handle := "ws_CO_" + req.Reference
	if c.answered != nil {
		c.answered(handle)
	}
	return &CollectionHandle{Reference: handle}, nil
}

type fakeDisburser struct {
	mu       sync.Mutex
	requests []DisbursementRequest
	// fail holds the number of synchronous failures left per phone number.
	fail map[string]int
}

func (d *fakeDisburser) InitiateDisbursement(ctx context.Context, req DisbursementRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.fail[req.Phone] > 0 {
		d.fail[req.Phone]--
		return "", fmt.Errorf("%w: connection refused", ErrGatewayUnavailable)
	}
	return "AG_" + req.Reference, nil
}

func (d *fakeDisburser) countFor(phone string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if r.Phone == phone {
			n++
		}
	}
	return n
}

func (d *fakeDisburser) lastFor(t *testing.T, phone string) DisbursementRequest {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.requests) - 1; i >= 0; i-- {
		if d.requests[i].Phone == phone {
			return d.requests[i]
		}
	}
	t.Fatalf("no disbursement to %s", phone)
	return DisbursementRequest{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []PayoutEvent
}

func (p *fakePublisher) PublishPayout(ctx context.Context, event PayoutEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type sentMessage struct {
	to, message string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *fakeNotifier) Notify(ctx context.Context, to, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{to: to, message: message})
	return nil
}

type fakeScheduler struct {
	scheduled []int
	legs      []uint
}

func (s *fakeScheduler) ScheduleLegRetry(ctx context.Context, legID uint, attempt int) error {
	s.legs = append(s.legs, legID)
	s.scheduled = append(s.scheduled, attempt)
	return nil
}

const (
	payerPhone     = "254700000001"
	vendorPhone    = "254711000002"
	affiliatePhone = "254722000003"
)

type fixture struct {
	store     *ledger.MemoryStore
	svc       *SettlementService
	collector *fakeCollector
	disburser *fakeDisburser
	publisher *fakePublisher
	notifier  *fakeNotifier
	vendor    *models.Party
	affiliate *models.Party
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		store:     ledger.NewMemoryStore(),
		collector: &fakeCollector{},
		disburser: &fakeDisburser{fail: map[string]int{}},
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
		clock:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	code := "AFF01"
	f.vendor = f.store.AddParty(models.Party{Role: models.PartyVendor, Name: "Mama Mboga", Phone: vendorPhone, Active: true})
	f.affiliate = f.store.AddParty(models.Party{Role: models.PartyAffiliate, Name: "Wanjiku", Phone: affiliatePhone, AffiliateCode: &code, Active: true})
	f.store.SetClock(f.now)

	cfg := SettlementConfig{
		Currency:        "KES",
		MaxRetries:      3,
		RegistrationFee: decimal.NewFromInt(200),
		StaleAfter:      30 * time.Minute,
		RetryIdle:       10 * time.Minute,
	}
	f.svc = NewSettlementService(f.store, f.store, split.NewCalculator(2), cfg, logger)
	f.svc.now = f.now
	f.svc.RegisterChannel(models.ChannelMpesa, f.collector, f.disburser)
	f.svc.UsePublisher(f.publisher)
	f.svc.UseNotifier(f.notifier)
	return f
}

func (f *fixture) now() time.Time {
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) create(t *testing.T, kind models.TransactionKind, amount int64, withAffiliate bool) *models.Transaction {
	t.Helper()
	in := CreateTransactionInput{
		Kind:         kind,
		PayerID:      100,
		PayerContact: payerPhone,
		VendorID:     f.vendor.ID,
		Amount:       decimal.NewFromInt(amount),
		Channel:      models.ChannelMpesa,
	}
	if withAffiliate {
		id := f.affiliate.ID
		in.AffiliateID = &id
	}
	txn, _, err := f.svc.CreateTransaction(context.Background(), in)
	require.NoError(t, err)
	return txn
}

// collect creates a transaction and starts its collection, returning the
// provider handle.
func (f *fixture) collect(t *testing.T, kind models.TransactionKind, amount int64, withAffiliate bool) (*models.Transaction, string) {
	t.Helper()
	txn := f.create(t, kind, amount, withAffiliate)
	txn, err := f.svc.InitiateCollection(context.Background(), txn.ID, "")
	require.NoError(t, err)
	require.NotNil(t, txn.CollectionReference)
	return txn, *txn.CollectionReference
}

func (f *fixture) transaction(t *testing.T, id uint) *models.Transaction {
	t.Helper()
	txn, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (f *fixture) leg(t *testing.T, txnID uint, role models.Role) models.SplitLeg {
	t.Helper()
	legs, err := f.store.ListLegs(context.Background(), txnID)
	require.NoError(t, err)
	for _, leg := range legs {
		if leg.Role == role {
			return leg
		}
	}
	t.Fatalf("transaction %d has no %s leg", txnID, role)
	return models.SplitLeg{}
}

func (f *fixture) succeed(t *testing.T, phone, providerTxn string) {
	t.Helper()
	req := f.disburser.lastFor(t, phone)
	require.NoError(t, f.svc.OnDisbursementResult(context.Background(), DisbursementResult{
		ConversationID:        "AG_" + req.Reference,
		Success:               true,
		ResultCode:            "0",
		Reason:                "The service request is processed successfully.",
		ProviderTransactionID: providerTxn,
	}))
}

func (f *fixture) fail(t *testing.T, phone, reason string) {
	t.Helper()
	req := f.disburser.lastFor(t, phone)
	require.NoError(t, f.svc.OnDisbursementResult(context.Background(), DisbursementResult{
		ConversationID: "AG_" + req.Reference,
		ResultCode:     "2001",
		Reason:         reason,
	}))
}

func TestProductSaleWithoutAffiliateCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	assert.True(t, decimal.NewFromInt(50).Equal(txn.CompanyAmount))
	assert.True(t, decimal.NewFromInt(950).Equal(txn.VendorAmount))
	assert.Equal(t, models.TransactionCollecting, txn.Status)

	legs, err := f.store.ListLegs(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, legs, 2)

	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))
	assert.Equal(t, models.TransactionProcessing, f.transaction(t, txn.ID).Status)
	assert.Equal(t, models.LegCompleted, f.leg(t, txn.ID, models.RoleCompany).Status)

	vendorLeg := f.leg(t, txn.ID, models.RoleVendor)
	assert.Equal(t, models.LegProcessing, vendorLeg.Status)
	require.Len(t, f.disburser.requests, 1)
	req := f.disburser.requests[0]
	assert.Equal(t, vendorPhone, req.Phone)
	assert.True(t, decimal.NewFromInt(950).Equal(req.Amount))
	assert.Equal(t, *vendorLeg.Reference, req.Reference)
	require.NotNil(t, vendorLeg.ProviderConversationID)
	assert.Equal(t, "AG_"+req.Reference, *vendorLeg.ProviderConversationID)

	f.succeed(t, vendorPhone, "QK12ABC")

	final := f.transaction(t, txn.ID)
	assert.Equal(t, models.TransactionCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, "QK12ABC", f.leg(t, txn.ID, models.RoleVendor).ProviderTransactionID)

	payouts := f.store.Payouts()
	require.Len(t, payouts, 1)
	assert.Equal(t, f.vendor.ID, payouts[0].RecipientID)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, txn.Reference, f.publisher.events[0].TransactionReference)
	assert.Equal(t, models.RoleVendor, f.publisher.events[0].Role)
}

func TestAffiliateLegExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, true)
	assert.True(t, decimal.NewFromInt(50).Equal(txn.CompanyAmount))
	assert.True(t, decimal.NewFromInt(900).Equal(txn.VendorAmount))
	assert.True(t, decimal.NewFromInt(50).Equal(txn.AffiliateAmount))

	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))
	require.Equal(t, 1, f.disburser.countFor(vendorPhone))
	require.Equal(t, 1, f.disburser.countFor(affiliatePhone))

	f.succeed(t, vendorPhone, "QK12VND")
	assert.Equal(t, models.TransactionProcessing, f.transaction(t, txn.ID).Status)

	for attempt := 1; attempt <= 4; attempt++ {
		f.fail(t, affiliatePhone, "insufficient funds in utility account")
		if attempt < 4 {
			assert.Equal(t, attempt+1, f.disburser.countFor(affiliatePhone), "retry %d not issued", attempt)
		}
	}

	assert.Equal(t, 4, f.disburser.countFor(affiliatePhone))
	affLeg := f.leg(t, txn.ID, models.RoleAffiliate)
	assert.Equal(t, models.LegFailed, affLeg.Status)
	assert.Equal(t, 3, affLeg.RetryCount)
	assert.True(t, affLeg.Terminal())

	final := f.transaction(t, txn.ID)
	assert.Equal(t, models.TransactionCompletedWithFailedLegs, final.Status)
	assert.Equal(t, "insufficient funds in utility account", final.FailureReason)

	ref, err := f.store.GetReferralByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, ref.IsPaid)

	// nothing left to do for the exhausted leg
	require.NoError(t, f.svc.DisburseLeg(ctx, affLeg.ID))
	assert.Equal(t, 4, f.disburser.countFor(affiliatePhone))
}

func TestCollectionFailureFailsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, true)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, false, "Request cancelled by user"))

	final := f.transaction(t, txn.ID)
	assert.Equal(t, models.TransactionFailed, final.Status)
	assert.Equal(t, "Request cancelled by user", final.FailureReason)

	legs, err := f.store.ListLegs(ctx, txn.ID)
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, models.LegFailed, leg.Status, "leg %s", leg.Role)
	}
	assert.Empty(t, f.disburser.requests)
	require.NotEmpty(t, f.notifier.sent)
	assert.Equal(t, payerPhone, f.notifier.sent[len(f.notifier.sent)-1].to)
}

func TestRegistrationFeeWithAffiliateCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, legs, err := f.svc.CreateTransaction(ctx, CreateTransactionInput{
		Kind:          models.KindRegistrationFee,
		PayerContact:  vendorPhone,
		VendorID:      f.vendor.ID,
		AffiliateCode: "AFF01",
		Channel:       models.ChannelMpesa,
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(200).Equal(txn.Amount))
	require.Len(t, legs, 2)
	assert.Equal(t, models.RoleCompany, legs[0].Role)
	assert.True(t, decimal.NewFromInt(100).Equal(legs[0].Amount))
	assert.Equal(t, models.RoleAffiliate, legs[1].Role)
	assert.True(t, decimal.NewFromInt(100).Equal(legs[1].Amount))
	assert.Equal(t, affiliatePhone, legs[1].PayoutPhone)

	ref, err := f.store.GetReferralByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(ref.CommissionRate))
	assert.True(t, decimal.NewFromInt(100).Equal(ref.CommissionAmount))

	txn, err = f.svc.InitiateCollection(ctx, txn.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.OnCollectionResult(ctx, *txn.CollectionReference, true, ""))
	f.succeed(t, affiliatePhone, "QK12AFF")

	assert.Equal(t, models.TransactionCompleted, f.transaction(t, txn.ID).Status)
	ref, err = f.store.GetReferralByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, ref.IsPaid)
	assert.NotNil(t, ref.PaidAt)
}

func TestCollectionResultIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, false, "late failure"))

	assert.Len(t, f.disburser.requests, 1)
	assert.Equal(t, models.TransactionProcessing, f.transaction(t, txn.ID).Status)
}

func TestDisbursementResultIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))

	f.succeed(t, vendorPhone, "QK12ABC")
	f.succeed(t, vendorPhone, "QK12ABC")
	f.fail(t, vendorPhone, "late failure")

	assert.Len(t, f.store.Payouts(), 1)
	assert.Len(t, f.publisher.events, 1)
	assert.Equal(t, models.LegCompleted, f.leg(t, txn.ID, models.RoleVendor).Status)
	assert.Equal(t, models.TransactionCompleted, f.transaction(t, txn.ID).Status)
}

func TestDisbursementResultByOurReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))

	req := f.disburser.lastFor(t, vendorPhone)
	require.NoError(t, f.svc.OnDisbursementResult(ctx, DisbursementResult{
		ConversationID: req.Reference,
		Success:        true,
		ResultCode:     "0",
	}))
	assert.Equal(t, models.TransactionCompleted, f.transaction(t, txn.ID).Status)
}

func TestUnknownHandlesAreNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.OnCollectionResult(ctx, "ws_CO_unknown", true, "")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))

	err = f.svc.OnDisbursementResult(ctx, DisbursementResult{ConversationID: "AG_unknown", Success: true})
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestCollectionRequestFailureMarksTransactionFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.collector.err = fmt.Errorf("%w: connection reset", ErrGatewayUnavailable)

	txn := f.create(t, models.KindProductSale, 1000, false)
	_, err := f.svc.InitiateCollection(ctx, txn.ID, "254799999999")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))

	final := f.transaction(t, txn.ID)
	assert.Equal(t, models.TransactionFailed, final.Status)
	assert.Contains(t, final.FailureReason, "connection reset")
	assert.Equal(t, "254799999999", final.PayerContact)
	for _, leg := range []models.Role{models.RoleCompany, models.RoleVendor} {
		assert.Equal(t, models.LegPending, f.leg(t, txn.ID, leg).Status)
	}

	_, err = f.svc.InitiateCollection(ctx, txn.ID, "")
	assert.True(t, errors.Is(err, ledger.ErrConflict))
}

func TestSynchronousFailuresAreBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.disburser.fail[vendorPhone] = 10

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))

	assert.Equal(t, 4, f.disburser.countFor(vendorPhone))
	vendorLeg := f.leg(t, txn.ID, models.RoleVendor)
	assert.Equal(t, models.LegFailed, vendorLeg.Status)
	assert.Equal(t, "gateway_unavailable", vendorLeg.ResultCode)
	assert.Equal(t, models.TransactionCompletedWithFailedLegs, f.transaction(t, txn.ID).Status)
}

func TestRetriesGoThroughScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scheduler := &fakeScheduler{}
	f.svc.UseRetryScheduler(scheduler)
	f.disburser.fail[vendorPhone] = 1

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))

	vendorLeg := f.leg(t, txn.ID, models.RoleVendor)
	assert.Equal(t, models.LegPending, vendorLeg.Status)
	assert.Equal(t, 1, vendorLeg.RetryCount)
	assert.Equal(t, []int{1}, scheduler.scheduled)
	assert.Equal(t, []uint{vendorLeg.ID}, scheduler.legs)

	require.NoError(t, f.svc.DisburseLeg(ctx, vendorLeg.ID))
	assert.Equal(t, 2, f.disburser.countFor(vendorPhone))
	assert.Equal(t, models.LegProcessing, f.leg(t, txn.ID, models.RoleVendor).Status)

	// a duplicate task is harmless
	require.NoError(t, f.svc.DisburseLeg(ctx, vendorLeg.ID))
	assert.Equal(t, 2, f.disburser.countFor(vendorPhone))
}

func TestTimeoutCallbackRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))

	req := f.disburser.lastFor(t, vendorPhone)
	require.NoError(t, f.svc.OnDisbursementTimeout(ctx, "AG_"+req.Reference))

	vendorLeg := f.leg(t, txn.ID, models.RoleVendor)
	assert.Equal(t, models.LegProcessing, vendorLeg.Status)
	assert.Equal(t, 1, vendorLeg.RetryCount)
	assert.Equal(t, 2, f.disburser.countFor(vendorPhone))
	assert.NotEqual(t, req.Reference, f.disburser.lastFor(t, vendorPhone).Reference)
}

func TestReconcileTimesOutStaleLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))

	f.advance(10 * time.Minute)
	require.NoError(t, f.svc.Reconcile(ctx))
	assert.Equal(t, 1, f.disburser.countFor(vendorPhone))

	f.advance(25 * time.Minute)
	require.NoError(t, f.svc.Reconcile(ctx))
	assert.Equal(t, 2, f.disburser.countFor(vendorPhone))

	vendorLeg := f.leg(t, txn.ID, models.RoleVendor)
	assert.Equal(t, models.LegProcessing, vendorLeg.Status)
	assert.Equal(t, 1, vendorLeg.RetryCount)
}

func TestReconcileRedrivesIdlePendingLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scheduler := &fakeScheduler{}
	f.svc.UseRetryScheduler(scheduler)
	f.disburser.fail[vendorPhone] = 1

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))
	require.Equal(t, models.LegPending, f.leg(t, txn.ID, models.RoleVendor).Status)

	// the scheduled task never runs
	f.advance(11 * time.Minute)
	require.NoError(t, f.svc.Reconcile(ctx))
	assert.Equal(t, models.LegProcessing, f.leg(t, txn.ID, models.RoleVendor).Status)
	assert.Equal(t, 2, f.disburser.countFor(vendorPhone))
}

func TestCreateTransactionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.store.AddParty(models.Party{Role: models.PartyCustomer, Name: "Otieno", Active: true})

	tests := []struct {
		name string
		in   CreateTransactionInput
	}{
		{"zero amount", CreateTransactionInput{Kind: models.KindProductSale, VendorID: f.vendor.ID, Channel: models.ChannelMpesa}},
		{"negative amount", CreateTransactionInput{Kind: models.KindProductSale, VendorID: f.vendor.ID, Amount: decimal.NewFromInt(-5), Channel: models.ChannelMpesa}},
		{"unknown kind", CreateTransactionInput{Kind: "donation", VendorID: f.vendor.ID, Amount: decimal.NewFromInt(10), Channel: models.ChannelMpesa}},
		{"missing vendor", CreateTransactionInput{Kind: models.KindProductSale, Amount: decimal.NewFromInt(10), Channel: models.ChannelMpesa}},
		{"unknown vendor", CreateTransactionInput{Kind: models.KindProductSale, VendorID: 999, Amount: decimal.NewFromInt(10), Channel: models.ChannelMpesa}},
		{"vendor is a customer", CreateTransactionInput{Kind: models.KindProductSale, VendorID: customer.ID, Amount: decimal.NewFromInt(10), Channel: models.ChannelMpesa}},
		{"bad channel", CreateTransactionInput{Kind: models.KindProductSale, VendorID: f.vendor.ID, Amount: decimal.NewFromInt(10), Channel: "cash"}},
		{"foreign currency", CreateTransactionInput{Kind: models.KindProductSale, VendorID: f.vendor.ID, Amount: decimal.NewFromInt(10), Currency: "NGN", Channel: models.ChannelMpesa}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.CreateTransaction(ctx, tt.in)
			require.Error(t, err)
			assert.Equal(t, "validation", ErrorKind(err))
		})
	}
}

func TestInvalidAffiliateIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inactiveCode := "GONE1"
	f.store.AddParty(models.Party{Role: models.PartyAffiliate, AffiliateCode: &inactiveCode, Active: false})

	for _, in := range []CreateTransactionInput{
		{AffiliateCode: "NOPE"},
		{AffiliateCode: inactiveCode},
		{AffiliateID: &f.vendor.ID},
	} {
		in.Kind = models.KindProductSale
		in.VendorID = f.vendor.ID
		in.Amount = decimal.NewFromInt(1000)
		in.Channel = models.ChannelMpesa

		txn, legs, err := f.svc.CreateTransaction(ctx, in)
		require.NoError(t, err)
		assert.Nil(t, txn.AffiliateID)
		assert.Len(t, legs, 2)
		assert.True(t, decimal.NewFromInt(950).Equal(txn.VendorAmount))
	}
}

func TestRecordCallbackWrapsNonJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.RecordCallback(ctx, "mpesa", models.CallbackCollection, "ws_CO_1", []byte(`{"Body":{}}`), "ok")
	f.svc.RecordCallback(ctx, "mpesa", models.CallbackTimeout, "", []byte("not json"), "validation")

	logs := f.store.Callbacks()
	require.Len(t, logs, 2)
	assert.JSONEq(t, `{"Body":{}}`, string(logs[0].Payload))
	assert.JSONEq(t, `"not json"`, string(logs[1].Payload))
	assert.Equal(t, "validation", logs[1].Outcome)
}

func TestMpesaSplitPaysWholeShillings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1001, false)
	assert.True(t, decimal.NewFromInt(50).Equal(txn.CompanyAmount), txn.CompanyAmount.String())
	assert.True(t, decimal.NewFromInt(951).Equal(txn.VendorAmount), txn.VendorAmount.String())

	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))
	req := f.disburser.lastFor(t, vendorPhone)
	assert.True(t, decimal.NewFromInt(951).Equal(req.Amount), req.Amount.String())

	f.succeed(t, vendorPhone, "QK12ODD")
	assert.Equal(t, models.TransactionCompleted, f.transaction(t, txn.ID).Status)
	payouts := f.store.Payouts()
	require.Len(t, payouts, 1)
	assert.True(t, decimal.NewFromInt(951).Equal(payouts[0].Amount))
}

func TestMpesaSplitWithAffiliateBalances(t *testing.T) {
	f := newFixture(t)

	txn := f.create(t, models.KindProductSale, 1001, true)
	assert.True(t, decimal.NewFromInt(901).Equal(txn.VendorAmount), txn.VendorAmount.String())
	assert.True(t, decimal.NewFromInt(50).Equal(txn.AffiliateAmount), txn.AffiliateAmount.String())
	assert.True(t, decimal.NewFromInt(50).Equal(txn.CompanyAmount), txn.CompanyAmount.String())
	assert.True(t, txn.Amount.Equal(txn.CompanyAmount.Add(txn.VendorAmount).Add(txn.AffiliateAmount)))
}

func TestChannelPrecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CreateTransaction(ctx, CreateTransactionInput{
		Kind:     models.KindProductSale,
		VendorID: f.vendor.ID,
		Amount:   decimal.RequireFromString("1000.50"),
		Channel:  models.ChannelMpesa,
	})
	require.Error(t, err)
	assert.Equal(t, "validation", ErrorKind(err))

	txn, _, err := f.svc.CreateTransaction(ctx, CreateTransactionInput{
		Kind:     models.KindProductSale,
		VendorID: f.vendor.ID,
		Amount:   decimal.NewFromInt(1001),
		Channel:  models.ChannelPaystack,
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("950.95").Equal(txn.VendorAmount), txn.VendorAmount.String())
	assert.True(t, decimal.RequireFromString("50.05").Equal(txn.CompanyAmount), txn.CompanyAmount.String())
}

func TestConcurrentLegResultsSettleOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()

		txn, handle := f.collect(t, models.KindProductSale, 1000, true)
		require.NoError(t, f.svc.OnCollectionResult(ctx, handle, true, ""))

		var results []DisbursementResult
		for _, phone := range []string{vendorPhone, affiliatePhone} {
			req := f.disburser.lastFor(t, phone)
			res := DisbursementResult{
				ConversationID:        "AG_" + req.Reference,
				Success:               true,
				ResultCode:            "0",
				ProviderTransactionID: "QK" + req.Reference,
			}
			results = append(results, res, res)
		}

		var wg sync.WaitGroup
		errs := make([]error, len(results))
		for n, res := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[n] = f.svc.OnDisbursementResult(ctx, res)
			}()
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		final := f.transaction(t, txn.ID)
		require.Equal(t, models.TransactionCompleted, final.Status, "iteration %d", i)
		assert.NotNil(t, final.CompletedAt)

		perRecipient := map[uint]int{}
		for _, p := range f.store.Payouts() {
			perRecipient[p.RecipientID]++
		}
		assert.Equal(t, map[uint]int{f.vendor.ID: 1, f.affiliate.ID: 1}, perRecipient, "iteration %d", i)
		assert.Len(t, f.publisher.events, 2)

		ref, err := f.store.GetReferralByTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.True(t, ref.IsPaid)
	}
}

func TestEarlyCollectionResultIsApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.collector.answered = func(handle string) {
		err := f.svc.OnCollectionResult(ctx, handle, true, "")
		assert.True(t, errors.Is(err, ledger.ErrNotFound))
	}

	txn := f.create(t, models.KindProductSale, 1000, false)
	txn, err := f.svc.InitiateCollection(ctx, txn.ID, "")
	require.NoError(t, err)

	assert.Equal(t, models.TransactionProcessing, txn.Status)
	assert.Equal(t, 1, f.disburser.countFor(vendorPhone))
	_, err = f.store.TakeUnmatchedCollection(ctx, *txn.CollectionReference)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestEarlyCollectionFailureIsApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.collector.answered = func(handle string) {
		_ = f.svc.OnCollectionResult(ctx, handle, false, "DS timeout user cannot be reached")
	}

	txn := f.create(t, models.KindProductSale, 1000, false)
	txn, err := f.svc.InitiateCollection(ctx, txn.ID, "")
	require.NoError(t, err)

	assert.Equal(t, models.TransactionFailed, txn.Status)
	assert.Equal(t, "DS timeout user cannot be reached", txn.FailureReason)
	assert.Empty(t, f.disburser.requests)
}

func TestReconcileExpiresAbandonedCollections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, _ := f.collect(t, models.KindProductSale, 1000, true)

	f.advance(20 * time.Minute)
	require.NoError(t, f.svc.Reconcile(ctx))
	assert.Equal(t, models.TransactionCollecting, f.transaction(t, txn.ID).Status)

	f.advance(11 * time.Minute)
	require.NoError(t, f.svc.Reconcile(ctx))

	final := f.transaction(t, txn.ID)
	assert.Equal(t, models.TransactionFailed, final.Status)
	assert.Equal(t, "collection timed out", final.FailureReason)
	legs, err := f.store.ListLegs(ctx, txn.ID)
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, models.LegFailed, leg.Status, "leg %s", leg.Role)
		assert.True(t, leg.Terminal(), "leg %s", leg.Role)
	}
	assert.Empty(t, f.disburser.requests)

	// a late success cannot revive it
	require.NoError(t, f.svc.OnCollectionResult(ctx, *final.CollectionReference, true, ""))
	assert.Equal(t, models.TransactionFailed, f.transaction(t, txn.ID).Status)
}

func TestReconcileAppliesParkedCollectionResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.store.SaveUnmatchedCollection(ctx, &models.UnmatchedCollection{
		CollectionReference: handle,
		Success:             true,
	}))

	f.advance(31 * time.Minute)
	require.NoError(t, f.svc.Reconcile(ctx))

	assert.Equal(t, models.TransactionProcessing, f.transaction(t, txn.ID).Status)
	assert.Equal(t, 1, f.disburser.countFor(vendorPhone))
}

func TestFailedCollectionLegsAreTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, handle := f.collect(t, models.KindProductSale, 1000, true)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, false, "Request cancelled by user"))

	legs, err := f.store.ListLegs(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, legs, 3)
	for _, leg := range legs {
		assert.Equal(t, leg.MaxRetries, leg.RetryCount, "leg %s", leg.Role)
		assert.True(t, leg.Terminal(), "leg %s", leg.Role)
	}

	// the sweeper has nothing to retry
	f.advance(time.Hour)
	require.NoError(t, f.svc.Reconcile(ctx))
	assert.Empty(t, f.disburser.requests)
}

func TestPayerIsEmailedWhenAddressKnown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mailer := &fakeNotifier{}
	f.svc.UseMailer(mailer)

	txn, _, err := f.svc.CreateTransaction(ctx, CreateTransactionInput{
		Kind:         models.KindProductSale,
		PayerContact: payerPhone,
		PayerEmail:   "akinyi@example.com",
		VendorID:     f.vendor.ID,
		Amount:       decimal.NewFromInt(1000),
		Channel:      models.ChannelMpesa,
	})
	require.NoError(t, err)
	txn, err = f.svc.InitiateCollection(ctx, txn.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.OnCollectionResult(ctx, *txn.CollectionReference, true, ""))
	f.succeed(t, vendorPhone, "QK12MAIL")

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "akinyi@example.com", mailer.sent[0].to)
	assert.Contains(t, mailer.sent[0].message, txn.Reference)
	require.NotEmpty(t, f.notifier.sent)
	assert.Equal(t, mailer.sent[0].message, f.notifier.sent[len(f.notifier.sent)-1].message)

	// no address, no email
	_, handle := f.collect(t, models.KindProductSale, 1000, false)
	require.NoError(t, f.svc.OnCollectionResult(ctx, handle, false, "Request cancelled by user"))
	assert.Len(t, mailer.sent, 1)
}
