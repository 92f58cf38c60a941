package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/coinvault/custodian/internal/backend/backendtest"
	"github.com/coinvault/custodian/internal/chain"
	"github.com/coinvault/custodian/internal/fee"
	"github.com/coinvault/custodian/internal/payments"
	"github.com/coinvault/custodian/internal/payments/paymentstest"
	"github.com/coinvault/custodian/internal/price"
	"github.com/coinvault/custodian/internal/storage"
	"github.com/coinvault/custodian/internal/wallet"
	"github.com/coinvault/custodian/pkg/logging"
)

const testPrice = 30000

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(event string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	node      *backendtest.Server
	bank      *paymentstest.Server
	store     *storage.Storage
	vault     *wallet.Vault
	events    *recorder
	service   *Service
	user      *storage.User
	recipient string
}

func keyFromByte(b byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{b}, 32))
	return priv
}

func regtestAddress(t *testing.T, b byte) string {
	t.Helper()
	hash := btcutil.Hash160(keyFromByte(b).PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewAddressWitnessPubKeyHash() error = %v", err)
	}
	return addr.EncodeAddress()
}

func newHarness(t *testing.T, oracle price.Oracle, cfg Config) *harness {
	t.Helper()

	params, ok := chain.Get(chain.Regtest)
	if !ok {
		t.Fatal("regtest params missing")
	}
	cfg.Params = params

	node := backendtest.New(&chaincfg.RegressionNetParams)
	t.Cleanup(node.Close)
	bank := paymentstest.New()
	t.Cleanup(bank.Close)

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vault, err := wallet.NewVault(keyFromByte(0x01), params, "")
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}

	rpc := node.Client(time.Second)
	estimator := fee.New(rpc, fee.WithLogger(logging.Discard()))
	sender, err := wallet.NewSender(vault, rpc, estimator, wallet.NewMutexLock(),
		wallet.WithSenderLogger(logging.Discard()), wallet.WithReadRetries(0))
	if err != nil {
		t.Fatalf("NewSender() error = %v", err)
	}

	h := &harness{
		node:      node,
		bank:      bank,
		store:     store,
		vault:     vault,
		events:    &recorder{},
		recipient: regtestAddress(t, 0x02),
	}

	h.user = &storage.User{
		Name:               "Alice Example",
		Email:              "alice@example.com",
		BTCReceiveAddress:  h.recipient,
		PaymentAccessToken: "access-sandbox-alice",
		PaymentItemID:      "item-alice",
	}
	if err := store.CreateUser(h.user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	bank.AddAccount(h.user.PaymentAccessToken, "account-alice", 5000)

	h.service, err = New(cfg, store, oracle,
		bank.Client(time.Second, payments.WithLogger(logging.Discard())), sender,
		WithLogger(logging.Discard()),
		WithPurchaseLog(store),
		WithCompensator(NewLedgerCompensator(store)),
		WithPublisher(h.events))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func (h *harness) fund(n int, sats btcutil.Amount) {
	h.node.AddUTXO(h.vault.Address(), backendtest.Unspent{
		TxID:   txid(n),
		Amount: sats,
		Height: 900,
	})
}

func txid(n int) string {
	const hexdigits = "0123456789abcdef"
	b := bytes.Repeat([]byte{'0'}, 64)
	b[63] = hexdigits[n%16]
	b[62] = hexdigits[(n/16)%16]
	return string(b)
}

// stubDebit wraps the real payments client and rewrites Debit results.
type stubDebit struct {
	Payments
	debit func(ctx context.Context, req payments.DebitRequest) (*payments.Debit, error)
}

func (p *stubDebit) Debit(ctx context.Context, req payments.DebitRequest) (*payments.Debit, error) {
	return p.debit(ctx, req)
}

// withPayments rebuilds the service around pay.
func (h *harness) withPayments(t *testing.T, pay Payments) {
	t.Helper()
	svc, err := New(h.service.cfg, h.store, h.service.oracle, pay, h.service.payer,
		WithLogger(logging.Discard()),
		WithPurchaseLog(h.store),
		WithCompensator(NewLedgerCompensator(h.store)),
		WithPublisher(h.events))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.service = svc
}

func wantCode(t *testing.T, err error, code Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := CodeOf(err); got != code {
		t.Fatalf("code = %s, want %s (err = %v)", got, code, err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	params, _ := chain.Get(chain.Regtest)
	if _, err := New(Config{}, nil, price.Fixed(1), nil, nil); err == nil {
		t.Error("expected error without params")
	}
	if _, err := New(Config{Params: params}, nil, price.Fixed(1), nil, nil); err == nil {
		t.Error("expected error without collaborators")
	}
}

func TestPurchaseCompletes(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)

	receipt, err := h.service.Purchase(context.Background(), h.user.ID, 100)
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}

	if receipt.AmountBTC != 100.0/testPrice {
		t.Errorf("AmountBTC = %v, want %v", receipt.AmountBTC, 100.0/testPrice)
	}
	if receipt.AmountSats != 333_333 {
		t.Errorf("AmountSats = %d, want 333333", receipt.AmountSats)
	}
	if receipt.Price != testPrice {
		t.Errorf("Price = %v, want %v", receipt.Price, testPrice)
	}
	if receipt.FeeSats != int64(fee.MinFee) {
		t.Errorf("FeeSats = %d, want %d", receipt.FeeSats, fee.MinFee)
	}

	transfers := h.bank.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	if transfers[0].Amount != "100.00" {
		t.Errorf("transfer amount = %s, want 100.00", transfers[0].Amount)
	}
	if transfers[0].IdempotencyKey != receipt.PurchaseID {
		t.Errorf("idempotency key = %s, want purchase id %s", transfers[0].IdempotencyKey, receipt.PurchaseID)
	}
	if receipt.TransferID != transfers[0].ID {
		t.Errorf("TransferID = %s, want %s", receipt.TransferID, transfers[0].ID)
	}

	broadcasts := h.node.Broadcasts()
	if len(broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(broadcasts))
	}
	tx := broadcasts[0]
	if tx.TxHash().String() != receipt.TxID {
		t.Errorf("TxID = %s, want %s", receipt.TxID, tx.TxHash())
	}
	if tx.TxOut[0].Value != receipt.AmountSats {
		t.Errorf("payment output = %d, want %d", tx.TxOut[0].Value, receipt.AmountSats)
	}

	stored, err := h.store.GetPurchase(receipt.PurchaseID)
	if err != nil {
		t.Fatalf("GetPurchase() error = %v", err)
	}
	if stored.Status != storage.PurchaseStatusCompleted || stored.TxID != receipt.TxID {
		t.Errorf("stored purchase = %+v", stored)
	}

	if got := h.events.Events(); len(got) != 1 || got[0] != EventPurchaseCompleted {
		t.Errorf("events = %v", got)
	}
}

func TestPurchaseInvalidInput(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)

	amounts := []float64{0, -5, math.NaN(), math.Inf(1), 0.001}
	for _, amount := range amounts {
		_, err := h.service.Purchase(context.Background(), h.user.ID, amount)
		wantCode(t, err, CodeInvalidInput)
	}

	_, err := h.service.Purchase(context.Background(), "no-such-user", 100)
	wantCode(t, err, CodeInvalidInput)

	if n := len(h.bank.Transfers()); n != 0 {
		t.Errorf("transfers = %d, want 0", n)
	}
}

func TestPurchaseBelowDustIsRejectedBeforeDebit(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)

	// $0.10 buys 333 sats.
	_, err := h.service.Purchase(context.Background(), h.user.ID, 0.10)
	wantCode(t, err, CodeInvalidInput)

	if n := len(h.bank.Transfers()); n != 0 {
		t.Errorf("transfers = %d, want 0", n)
	}
}

func TestPurchaseRequiresLinkedAccount(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})

	unlinked := &storage.User{Name: "Bob", Email: "bob@example.com", BTCReceiveAddress: h.recipient}
	if err := h.store.CreateUser(unlinked); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	_, err := h.service.Purchase(context.Background(), unlinked.ID, 100)
	wantCode(t, err, CodeNotLinked)
	if calls := h.bank.Calls("/transfer/create"); calls != 0 {
		t.Errorf("transfer/create calls = %d, want 0", calls)
	}
}

func TestPurchaseRejectsBadReceiveAddress(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})

	for i, addr := range []string{"", "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"} {
		user := &storage.User{
			Name:               "Carol",
			Email:              "carol" + string(rune('a'+i)) + "@example.com",
			BTCReceiveAddress:  addr,
			PaymentAccessToken: h.user.PaymentAccessToken,
		}
		if err := h.store.CreateUser(user); err != nil {
			t.Fatalf("CreateUser() error = %v", err)
		}
		_, err := h.service.Purchase(context.Background(), user.ID, 100)
		wantCode(t, err, CodeInvalidInput)
	}
	if n := len(h.bank.Transfers()); n != 0 {
		t.Errorf("transfers = %d, want 0", n)
	}
}

func TestPurchaseQuoteUnavailable(t *testing.T) {
	h := newHarness(t, price.Fixed(0), Config{})
	h.fund(1, 10_000_000)

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)
	wantCode(t, err, CodeQuoteUnavailable)

	if n := len(h.bank.Transfers()); n != 0 {
		t.Errorf("transfers = %d, want 0", n)
	}
	if n := len(h.node.Broadcasts()); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}
}

func TestPurchasePaymentDeclined(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)
	h.bank.Decline(true)

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)
	wantCode(t, err, CodePaymentFailed)

	var partial *PartialFailure
	if errors.As(err, &partial) {
		t.Error("declined debit must not be a partial failure")
	}
	if n := len(h.node.Broadcasts()); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}

	purchases, err := h.store.ListPurchases(h.user.ID, 10)
	if err != nil {
		t.Fatalf("ListPurchases() error = %v", err)
	}
	if len(purchases) != 1 || purchases[0].Status != storage.PurchaseStatusFailed ||
		purchases[0].ErrorCode != string(CodePaymentFailed) {
		t.Errorf("purchases = %+v", purchases)
	}
}

func TestPurchasePaymentTimeout(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)
	h.bank.SetDelay("/accounts/get", 2*time.Second)

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)
	wantCode(t, err, CodeTimeout)

	var partial *PartialFailure
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want *PartialFailure", err)
	}
	if n := len(h.node.Broadcasts()); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}
}

func TestPurchaseDebitTimeoutAfterTransferIsReconciled(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)

	bank := h.service.payments
	h.withPayments(t, &stubDebit{
		Payments: bank,
		debit: func(ctx context.Context, req payments.DebitRequest) (*payments.Debit, error) {
			if _, err := bank.Debit(ctx, req); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("create transfer: %w", payments.ErrTimeout)
		},
	})

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)
	wantCode(t, err, CodeTimeout)

	var partial *PartialFailure
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want *PartialFailure", err)
	}
	if partial.TransferID != "" || partial.PurchaseID == "" {
		t.Errorf("partial = %+v", partial)
	}

	transfers := h.bank.Transfers()
	if len(transfers) != 1 || transfers[0].IdempotencyKey != partial.PurchaseID {
		t.Fatalf("transfers = %+v, want one keyed by purchase %s", transfers, partial.PurchaseID)
	}

	recs, err := h.store.ListReconciliations(storage.ReconciliationOpen)
	if err != nil {
		t.Fatalf("ListReconciliations() error = %v", err)
	}
	if len(recs) != 1 || recs[0].PurchaseID != partial.PurchaseID || recs[0].ErrorCode != string(CodeTimeout) {
		t.Fatalf("reconciliations = %+v", recs)
	}

	stored, err := h.store.GetPurchase(partial.PurchaseID)
	if err != nil {
		t.Fatalf("GetPurchase() error = %v", err)
	}
	if stored.Status != storage.PurchaseStatusPartial {
		t.Errorf("status = %s, want partial", stored.Status)
	}
	if got := h.events.Events(); len(got) != 1 || got[0] != EventPurchasePartialFailure {
		t.Errorf("events = %v", got)
	}
	if n := len(h.node.Broadcasts()); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}
}

func TestPurchaseDebitAmountMismatchIsPartial(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)

	bank := h.service.payments
	h.withPayments(t, &stubDebit{
		Payments: bank,
		debit: func(ctx context.Context, req payments.DebitRequest) (*payments.Debit, error) {
			debit, err := bank.Debit(ctx, req)
			if err != nil {
				return nil, err
			}
			debit.AmountCents = 9999
			return debit, nil
		},
	})

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)
	wantCode(t, err, CodePaymentFailed)

	var partial *PartialFailure
	if !errors.As(err, &partial) || partial.TransferID == "" {
		t.Fatalf("error = %v, want *PartialFailure with transfer", err)
	}
	if n := len(h.node.Broadcasts()); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}
}

func TestPurchaseRoundsToCents(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)

	receipt, err := h.service.Purchase(context.Background(), h.user.ID, 100.004)
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	if receipt.AmountUSD != 100 || receipt.AmountSats != 333_333 {
		t.Errorf("receipt = %+v, want $100 for 333333 sats", receipt)
	}
	if transfers := h.bank.Transfers(); len(transfers) != 1 || transfers[0].Amount != "100.00" {
		t.Errorf("transfers = %+v", transfers)
	}

	q, err := h.service.Quote(context.Background(), 100.004)
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	if q.AmountSats != 333_333 {
		t.Errorf("quote sats = %d, want 333333", q.AmountSats)
	}
}

func TestPurchaseBroadcastRejectedIsPartialFailure(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 10_000_000)
	h.node.SetError("sendrawtransaction", -26, "non-mandatory-script-verify-flag")

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)

	var partial *PartialFailure
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want *PartialFailure", err)
	}
	wantCode(t, err, CodeBroadcastRejected)

	transfers := h.bank.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	if partial.TransferID != transfers[0].ID {
		t.Errorf("TransferID = %s, want %s", partial.TransferID, transfers[0].ID)
	}
	if partial.AmountUSD != 100 || partial.Price != testPrice {
		t.Errorf("partial = %+v", partial)
	}

	recs, err := h.store.ListReconciliations(storage.ReconciliationOpen)
	if err != nil {
		t.Fatalf("ListReconciliations() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("reconciliations = %d, want 1", len(recs))
	}
	if recs[0].TransferID != partial.TransferID || recs[0].ErrorCode != string(CodeBroadcastRejected) {
		t.Errorf("reconciliation = %+v", recs[0])
	}

	stored, err := h.store.GetPurchase(partial.PurchaseID)
	if err != nil {
		t.Fatalf("GetPurchase() error = %v", err)
	}
	if stored.Status != storage.PurchaseStatusPartial || stored.TransferID != partial.TransferID {
		t.Errorf("stored purchase = %+v", stored)
	}

	if got := h.events.Events(); len(got) != 1 || got[0] != EventPurchasePartialFailure {
		t.Errorf("events = %v", got)
	}
}

func TestPurchaseInsufficientFundsIsPartialFailure(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	h.fund(1, 100_000)

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)

	var partial *PartialFailure
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want *PartialFailure", err)
	}
	wantCode(t, err, CodeInsufficientFunds)
	if calls := h.node.Calls("sendrawtransaction"); calls != 0 {
		t.Errorf("sendrawtransaction calls = %d, want 0", calls)
	}
}

func TestConcurrentPurchasesDoNotDoubleSpend(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})
	// One output covers one $100 purchase plus fee, not two.
	h.fund(1, 500_000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.service.Purchase(context.Background(), h.user.ID, 100)
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case CodeOf(err) == CodeInsufficientFunds:
			insufficient++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Errorf("ok = %d, insufficient = %d, want 1 and 1", ok, insufficient)
	}
	if n := len(h.node.Broadcasts()); n != 1 {
		t.Errorf("broadcasts = %d, want 1", n)
	}
	if n := len(h.bank.Transfers()); n != 2 {
		t.Errorf("transfers = %d, want 2", n)
	}
}

func TestPurchaseWaitsForTransfer(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{
		ConfirmTransfer: true,
		ConfirmTimeout:  2 * time.Second,
		PollInterval:    10 * time.Millisecond,
	})
	h.fund(1, 10_000_000)
	h.bank.SetInitialStatus(payments.StatusSettled)

	receipt, err := h.service.Purchase(context.Background(), h.user.ID, 100)
	if err != nil {
		t.Fatalf("Purchase() error = %v", err)
	}
	if receipt.TxID == "" {
		t.Error("missing txid")
	}
	if h.bank.Calls("/transfer/get") == 0 {
		t.Error("transfer status was never checked")
	}
}

func TestPurchaseFailedTransferIsNotPartial(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{
		ConfirmTransfer: true,
		ConfirmTimeout:  2 * time.Second,
		PollInterval:    10 * time.Millisecond,
	})
	h.fund(1, 10_000_000)
	h.bank.SetInitialStatus(payments.StatusFailed)

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)
	wantCode(t, err, CodePaymentFailed)

	var partial *PartialFailure
	if errors.As(err, &partial) {
		t.Error("failed transfer must not be a partial failure")
	}
	if n := len(h.node.Broadcasts()); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}
}

func TestPurchasePendingTransferTimesOut(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{
		ConfirmTransfer: true,
		ConfirmTimeout:  50 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
	})
	h.fund(1, 10_000_000)

	_, err := h.service.Purchase(context.Background(), h.user.ID, 100)

	var partial *PartialFailure
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want *PartialFailure", err)
	}
	wantCode(t, err, CodeTimeout)
	if n := len(h.node.Broadcasts()); n != 0 {
		t.Errorf("broadcasts = %d, want 0", n)
	}
}

func TestQuote(t *testing.T) {
	h := newHarness(t, price.Fixed(testPrice), Config{})

	q, err := h.service.Quote(context.Background(), 3000)
	if err != nil {
		t.Fatalf("Quote() error = %v", err)
	}
	if q.AmountBTC != 0.1 || q.AmountSats != 10_000_000 {
		t.Errorf("quote = %+v", q)
	}
	if n := len(h.bank.Transfers()); n != 0 {
		t.Errorf("transfers = %d, want 0", n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{wallet.ErrInsufficientFunds, CodeInsufficientFunds},
		{wallet.ErrSigning, CodeSigningFailed},
		{payments.ErrDeclined, CodePaymentFailed},
		{payments.ErrTimeout, CodeTimeout},
		{&payments.APIError{Code: "X"}, CodePaymentFailed},
		{price.ErrQuoteUnavailable, CodeQuoteUnavailable},
		{fmt.Errorf("%w: %w", price.ErrQuoteUnavailable, price.ErrTimeout), CodeTimeout},
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

type slowOracle struct{}

func (slowOracle) Price(ctx context.Context) (float64, error) {
	return 0, fmt.Errorf("%w: %w", price.ErrQuoteUnavailable, price.ErrTimeout)
}

func TestQuoteTimeout(t *testing.T) {
	h := newHarness(t, slowOracle{}, Config{})

	_, err := h.service.Quote(context.Background(), 100)
	wantCode(t, err, CodeTimeout)

	_, err = h.service.Purchase(context.Background(), h.user.ID, 100)
	wantCode(t, err, CodeTimeout)
	if n := len(h.bank.Transfers()); n != 0 {
		t.Errorf("transfers = %d, want 0", n)
	}
}
