// Package settlement turns a USD amount into BTC in a user's wallet: it
// quotes a price, debits the user's bank account and pays out of the vault.
//
// The fiat debit always happens first. When the BTC send then fails the
// debit is not reversed; Purchase returns a *PartialFailure and hands it to
// the configured Compensator.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/coinvault/custodian/internal/chain"
	"github.com/coinvault/custodian/internal/metrics"
	"github.com/coinvault/custodian/internal/payments"
	"github.com/coinvault/custodian/internal/price"
	"github.com/coinvault/custodian/internal/storage"
	"github.com/coinvault/custodian/internal/wallet"
	"github.com/coinvault/custodian/pkg/helpers"
	"github.com/coinvault/custodian/pkg/logging"
)

// Directory looks users up.
type Directory interface {
	GetUser(id string) (*storage.User, error)
}

// Payments debits bank accounts.
type Payments interface {
	Debit(ctx context.Context, req payments.DebitRequest) (*payments.Debit, error)
	TransferStatus(ctx context.Context, transferID string) (*payments.Transfer, error)
}

// Payer pays BTC out of the vault.
type Payer interface {
	Pay(ctx context.Context, destination string, amount btcutil.Amount) (*wallet.Payment, error)
}

// PurchaseLog records each purchase as it moves through the flow.
type PurchaseLog interface {
	CreatePurchase(p *storage.Purchase) error
	MarkPurchaseDebited(id, transferID string, price, amountBTC float64) error
	CompletePurchase(id, txID string, feeSats int64) error
	FailPurchase(id string, status storage.PurchaseStatus, code, message string) error
}

// Publisher receives purchase events.
type Publisher interface {
	Publish(event string, data interface{})
}

// Event names.
const (
	EventPurchaseCompleted      = "purchase_completed"
	EventPurchaseFailed         = "purchase_failed"
	EventPurchasePartialFailure = "purchase_partial_failure"
)

// Config controls the purchase flow.
type Config struct {
	// Params is the network user receive addresses must belong to.
	Params *chain.Params

	// ConfirmTransfer waits for the debit to execute before sending BTC.
	ConfirmTransfer bool
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration

	// Description appears on the user's bank statement.
	Description string
}

// Receipt describes a completed purchase.
type Receipt struct {
	PurchaseID string  `json:"purchase_id"`
	UserID     string  `json:"user_id"`
	TxID       string  `json:"txid"`
	TransferID string  `json:"transfer_id"`
	AmountUSD  float64 `json:"amount_usd"`
	AmountBTC  float64 `json:"amount_btc"`
	AmountSats int64   `json:"amount_sats"`
	Price      float64 `json:"price"`
	FeeSats    int64   `json:"fee_sats"`
}

// Quote is what amountUSD buys at the current price.
type Quote struct {
	AmountUSD  float64 `json:"amount_usd"`
	Price      float64 `json:"price"`
	AmountBTC  float64 `json:"amount_btc"`
	AmountSats int64   `json:"amount_sats"`
}

// Service runs purchases.
type Service struct {
	cfg         Config
	users       Directory
	oracle      price.Oracle
	payments    Payments
	payer       Payer
	purchases   PurchaseLog
	compensator Compensator
	publisher   Publisher
	log         *logging.Logger
	metrics     *metrics.SettlementMetrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithPurchaseLog records purchases as they progress.
func WithPurchaseLog(p PurchaseLog) Option {
	return func(s *Service) { s.purchases = p }
}

// WithCompensator sets what happens to partial failures.
func WithCompensator(c Compensator) Option {
	return func(s *Service) { s.compensator = c }
}

// WithPublisher sets where purchase events go.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// New creates a Service.
func New(cfg Config, users Directory, oracle price.Oracle, pay Payments, payer Payer, opts ...Option) (*Service, error) {
	if cfg.Params == nil {
		return nil, errors.New("settlement: network params are required")
	}
	if users == nil || oracle == nil || pay == nil || payer == nil {
		return nil, errors.New("settlement: directory, oracle, payments and payer are required")
	}
	if cfg.ConfirmTransfer {
		if cfg.ConfirmTimeout <= 0 {
			cfg.ConfirmTimeout = 2 * time.Minute
		}
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = 5 * time.Second
		}
	}
	if cfg.Description == "" {
		cfg.Description = payments.DefaultDescription
	}

	s := &Service{
		cfg:      cfg,
		users:    users,
		oracle:   oracle,
		payments: pay,
		payer:    payer,
		log:      logging.GetDefault().Component("settlement"),
		metrics:  metrics.NewSettlementMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.compensator == nil {
		s.compensator = &LogCompensator{log: s.log}
	}
	return s, nil
}

// Quote converts amountUSD at the current price. Nothing is debited.
// The amount is rounded to whole cents first, as a debit would be.
func (s *Service) Quote(ctx context.Context, amountUSD float64) (*Quote, error) {
	amountUSD = float64(toCents(amountUSD)) / 100
	if err := validateAmount(amountUSD); err != nil {
		return nil, err
	}
	p, err := s.oracle.Price(ctx)
	if err != nil {
		code := CodeQuoteUnavailable
		if classify(err) == CodeTimeout {
			code = CodeTimeout
		}
		return nil, newError(code, "price unavailable", err)
	}
	amountBTC := amountUSD / p
	sats, err := btcutil.NewAmount(amountBTC)
	if err != nil {
		return nil, newError(CodeInvalidInput, "amount out of range", err)
	}
	return &Quote{AmountUSD: amountUSD, Price: p, AmountBTC: amountBTC, AmountSats: int64(sats)}, nil
}

// Purchase buys amountUSD worth of BTC for userID.
//
// Failures before the debit return *Error. Failures after it return
// *PartialFailure carrying the transfer id.
func (s *Service) Purchase(ctx context.Context, userID string, amountUSD float64) (*Receipt, error) {
	start := time.Now()
	receipt, err := s.purchase(ctx, userID, amountUSD)

	outcome := "ok"
	if err != nil {
		outcome = string(CodeOf(err))
	}
	s.metrics.RecordPurchase(outcome, time.Since(start))

	return receipt, err
}

func (s *Service) purchase(ctx context.Context, userID string, amountUSD float64) (*Receipt, error) {
	if err := validateAmount(amountUSD); err != nil {
		return nil, err
	}
	// The bank debits whole cents; the conversion must use the same amount.
	cents := toCents(amountUSD)
	amountUSD = float64(cents) / 100

	user, err := s.users.GetUser(userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, newError(CodeInvalidInput, "unknown user "+userID, err)
		}
		return nil, newError(CodeInternal, "user lookup failed", err)
	}
	if !user.PaymentLinked() {
		return nil, newError(CodeNotLinked, "no bank account linked", nil)
	}
	if user.BTCReceiveAddress == "" {
		return nil, newError(CodeInvalidInput, "user has no BTC receive address", nil)
	}
	if err := wallet.ValidateAddress(user.BTCReceiveAddress, s.cfg.Params); err != nil {
		return nil, newError(CodeInvalidInput, "user receive address is invalid", err)
	}

	purchase := &storage.Purchase{ID: uuid.NewString(), UserID: user.ID, AmountUSD: amountUSD}
	if s.purchases != nil {
		if err := s.purchases.CreatePurchase(purchase); err != nil {
			return nil, newError(CodeInternal, "failed to record purchase", err)
		}
	}
	log := s.log.With("purchase", purchase.ID, "user", user.ID)

	quote, err := s.Quote(ctx, amountUSD)
	if err != nil {
		return nil, s.fail(purchase, err)
	}
	amount := btcutil.Amount(quote.AmountSats)
	if amount <= wallet.DustThreshold {
		return nil, s.fail(purchase, newError(CodeInvalidInput,
			fmt.Sprintf("$%s buys only %v, not above dust", helpers.FormatUSD(amountUSD), amount), nil))
	}

	partial := &PartialFailure{
		PurchaseID: purchase.ID,
		UserID:     user.ID,
		AmountUSD:  amountUSD,
		AmountBTC:  quote.AmountBTC,
		Price:      quote.Price,
	}

	debit, err := s.payments.Debit(ctx, payments.DebitRequest{
		AccessToken:    user.PaymentAccessToken,
		ClientUserID:   user.ID,
		LegalName:      user.Name,
		Email:          user.Email,
		AmountUSD:      amountUSD,
		Description:    s.cfg.Description,
		IdempotencyKey: purchase.ID,
	})
	if err != nil {
		if classify(err) == CodeTimeout {
			// The debit may have been created; only the purchase id identifies it.
			return nil, s.partialFailure(ctx, partial, newError(CodeTimeout, "fiat debit outcome unknown", err))
		}
		return nil, s.fail(purchase, newError(CodePaymentFailed, "fiat debit failed", err))
	}
	partial.TransferID = debit.TransferID
	log.Info("Fiat debited", "transfer", debit.TransferID, "amount_usd", helpers.FormatUSD(amountUSD), "price", quote.Price)

	if s.purchases != nil {
		if err := s.purchases.MarkPurchaseDebited(purchase.ID, debit.TransferID, quote.Price, quote.AmountBTC); err != nil {
			log.Error("Failed to record debit", "transfer", debit.TransferID, "error", err)
		}
	}

	if debit.AmountCents != cents {
		return nil, s.partialFailure(ctx, partial, newError(CodePaymentFailed,
			fmt.Sprintf("bank debited $%s, expected $%s",
				helpers.FormatUSD(float64(debit.AmountCents)/100), helpers.FormatUSD(amountUSD)), nil))
	}

	if s.cfg.ConfirmTransfer {
		if err := s.awaitTransfer(ctx, debit.TransferID); err != nil {
			var e *Error
			if errors.As(err, &e) && e.Code == CodePaymentFailed {
				// The transfer failed, so no money moved.
				return nil, s.fail(purchase, e)
			}
			return nil, s.partialFailure(ctx, partial, err)
		}
	}

	payment, err := s.payer.Pay(ctx, user.BTCReceiveAddress, amount)
	if err != nil {
		return nil, s.partialFailure(ctx, partial, newError(classify(err), "BTC payout failed", err))
	}

	receipt := &Receipt{
		PurchaseID: purchase.ID,
		UserID:     user.ID,
		TxID:       payment.TxID,
		TransferID: debit.TransferID,
		AmountUSD:  amountUSD,
		AmountBTC:  quote.AmountBTC,
		AmountSats: quote.AmountSats,
		Price:      quote.Price,
	}
	if payment.Plan != nil {
		receipt.FeeSats = int64(payment.Plan.Fee + payment.Plan.Dropped)
	}

	if s.purchases != nil {
		if err := s.purchases.CompletePurchase(purchase.ID, payment.TxID, receipt.FeeSats); err != nil {
			log.Error("Failed to record completion", "txid", payment.TxID, "error", err)
		}
	}

	log.Info("Purchase completed", "txid", payment.TxID, "transfer", debit.TransferID, "amount", amount)
	s.publish(EventPurchaseCompleted, receipt)

	return receipt, nil
}

// awaitTransfer polls until the transfer executes, fails or the confirm
// timeout passes.
func (s *Service) awaitTransfer(ctx context.Context, transferID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		transfer, err := s.payments.TransferStatus(ctx, transferID)
		if err != nil {
			lastErr = err
			s.log.Debug("Transfer status unavailable", "transfer", transferID, "error", err)
		} else {
			switch transfer.Status.State() {
			case payments.StateExecuted:
				return nil
			case payments.StateFailed:
				return newError(CodePaymentFailed, "transfer "+string(transfer.Status), nil)
			}
		}

		select {
		case <-ctx.Done():
			msg := "transfer not executed in time"
			if lastErr != nil {
				return newError(CodeTimeout, msg, lastErr)
			}
			return newError(CodeTimeout, msg, ctx.Err())
		case <-ticker.C:
		}
	}
}

// fail records a failure that happened before any money moved.
func (s *Service) fail(purchase *storage.Purchase, err error) error {
	var e *Error
	if !errors.As(err, &e) {
		e = newError(classify(err), "purchase failed", err)
	}
	if s.purchases != nil {
		if ferr := s.purchases.FailPurchase(purchase.ID, storage.PurchaseStatusFailed, string(e.Code), e.Error()); ferr != nil {
			s.log.Error("Failed to record purchase failure", "purchase", purchase.ID, "error", ferr)
		}
	}
	s.publish(EventPurchaseFailed, map[string]interface{}{
		"purchase_id": purchase.ID,
		"user_id":     purchase.UserID,
		"code":        e.Code,
		"message":     e.Message,
	})
	return e
}

// partialFailure records a debit without a payout and hands it to the
// compensator.
func (s *Service) partialFailure(ctx context.Context, partial *PartialFailure, err error) error {
	var cause *Error
	if !errors.As(err, &cause) {
		cause = newError(classify(err), "BTC payout failed", err)
	}
	partial.Cause = cause

	s.log.Error("Purchase partially failed, fiat debited without BTC payout",
		"purchase", partial.PurchaseID,
		"user", partial.UserID,
		"transfer", partial.TransferID,
		"code", cause.Code,
		"error", cause.Err)

	if s.purchases != nil {
		if ferr := s.purchases.FailPurchase(partial.PurchaseID, storage.PurchaseStatusPartial, string(cause.Code), cause.Error()); ferr != nil {
			s.log.Error("Failed to record partial failure", "purchase", partial.PurchaseID, "error", ferr)
		}
	}

	// Compensation must not be skipped because the request was cancelled.
	if cerr := s.compensator.Compensate(context.WithoutCancel(ctx), partial); cerr != nil {
		s.log.Error("Compensation failed", "transfer", partial.TransferID, "error", cerr)
	}

	s.metrics.RecordPartialFailure(string(cause.Code))
	s.publish(EventPurchasePartialFailure, map[string]interface{}{
		"purchase_id": partial.PurchaseID,
		"user_id":     partial.UserID,
		"transfer_id": partial.TransferID,
		"amount_usd":  partial.AmountUSD,
		"amount_btc":  partial.AmountBTC,
		"price":       partial.Price,
		"code":        cause.Code,
		"message":     cause.Message,
	})

	return partial
}

func (s *Service) publish(event string, data interface{}) {
	if s.publisher != nil {
		s.publisher.Publish(event, data)
	}
}

func toCents(amountUSD float64) uint64 {
	if math.IsNaN(amountUSD) || amountUSD <= 0 {
		return 0
	}
	return uint64(math.Round(amountUSD * 100))
}

func validateAmount(amountUSD float64) error {
	if math.IsNaN(amountUSD) || math.IsInf(amountUSD, 0) || amountUSD <= 0 {
		return newError(CodeInvalidInput, fmt.Sprintf("amount must be a positive number, got %v", amountUSD), nil)
	}
	if helpers.FormatUSD(amountUSD) == "0.00" {
		return newError(CodeInvalidInput, "amount is below one cent", nil)
	}
	return nil
}
