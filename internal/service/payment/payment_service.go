package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/event"
	"orderflow/internal/model"
	"orderflow/internal/monitor"
	"orderflow/internal/repository"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

// Service payment service interface
type Service interface {
	// ProcessPayment charges the order once. Declines and exhausted attempts publish
	// payment-failed; infrastructure errors are returned for redelivery.
	ProcessPayment(ctx context.Context, req event.PaymentRequest) error

	// RefundPayment reverses the order's completed payment in full, at most once.
	RefundPayment(ctx context.Context, orderID, reason string) error

	GetPayment(ctx context.Context, orderID string) (*model.Payment, error)
}

// Config bounds gateway attempts
type Config struct {
	MaxRetries        int
	RefundMaxAttempts int
}

type paymentService struct {
	tx        repository.Transactor
	payments  repository.PaymentRepository
	gateway   Gateway
	publisher event.Publisher
	metrics   *monitor.MetricsCollector
	cfg       Config
	now       func() time.Time
}

// NewService creates the payment service
func NewService(
	tx repository.Transactor,
	payments repository.PaymentRepository,
	gateway Gateway,
	publisher event.Publisher,
	metrics *monitor.MetricsCollector,
	cfg Config,
) Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RefundMaxAttempts <= 0 {
		cfg.RefundMaxAttempts = 3
	}
	return &paymentService{
		tx:        tx,
		payments:  payments,
		gateway:   gateway,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *paymentService) findOrCreate(ctx context.Context, req event.PaymentRequest) (*model.Payment, error) {
	payment, err := s.payments.GetByOrderID(ctx, req.OrderID)
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, utils.ErrNotFound) {
		return nil, utils.Transient(err, "failed to load payment")
	}

	now := s.now().UTC()
	payment = &model.Payment{
		OrderID:     req.OrderID,
		CustomerID:  req.CustomerID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      model.PaymentPending,
		MethodToken: req.PaymentMethodToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.payments.Create(ctx, payment)
	if repository.IsDuplicate(err) {
		return s.payments.GetByOrderID(ctx, req.OrderID)
	}
	if err != nil {
		return nil, utils.Transient(err, "failed to create payment")
	}
	return payment, nil
}

// ProcessPayment implements Service
func (s *paymentService) ProcessPayment(ctx context.Context, req event.PaymentRequest) error {
	if req.OrderID == "" || req.Amount <= 0 || req.Currency == "" {
		return utils.Validation("payment request for order %q is incomplete", req.OrderID)
	}

	payment, err := s.findOrCreate(ctx, req)
	if err != nil {
		return err
	}
	logger := log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":   req.OrderID,
		"payment_id": payment.ID,
	})

	if payment.IsTerminal() {
		logger.WithField("status", payment.Status).Info("Payment already settled")
		return nil
	}
	if payment.RetryCount >= s.cfg.MaxRetries {
		return s.fail(ctx, payment, event.ReasonMaxRetriesReached)
	}

	// the attempt is counted before the gateway sees it
	ok, err := s.payments.IncrementRetry(ctx, payment.ID, payment.RetryCount)
	if err != nil {
		return utils.Transient(err, "failed to record payment attempt")
	}
	if !ok {
		return utils.Transient(nil, "concurrent payment attempt")
	}
	payment.RetryCount++
	payment.Status = model.PaymentProcessing

	txn, err := s.gateway.Charge(ctx, ChargeRequest{
		OrderID:        payment.OrderID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		MethodToken:    payment.MethodToken,
		IdempotencyKey: fmt.Sprintf("%s-%d", payment.OrderID, payment.RetryCount),
	})
	if reason, declined := IsDecline(err); declined {
		logger.WithField("reason", reason).Warn("Payment declined")
		return s.fail(ctx, payment, reason)
	}
	if err != nil {
		logger.WithError(err).WithField("attempt", payment.RetryCount).Warn("Payment attempt failed")
		if payment.RetryCount >= s.cfg.MaxRetries {
			return s.fail(ctx, payment, event.ReasonMaxRetriesReached)
		}
		s.metrics.RecordPayment("retried")
		if _, ok := utils.IsAppError(err); ok {
			return err
		}
		return utils.Transient(err, "payment gateway error")
	}

	payment.Status = model.PaymentCompleted
	payment.TransactionID = &txn
	payment.FailureReason = nil
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.payments.Save(ctx, payment); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, event.New(payment.OrderID, event.PaymentProcessed{
			OrderID:       payment.OrderID,
			PaymentID:     payment.ID,
			TransactionID: txn,
			Amount:        payment.Amount,
			Currency:      payment.Currency,
		}))
	})
	if err != nil {
		// charged but not recorded
		logger.WithError(err).WithField("transaction_id", txn).Error("Failed to record completed payment")
		return utils.Transient(err, "failed to record completed payment")
	}

	s.metrics.RecordPayment(string(model.PaymentCompleted))
	logger.WithFields(map[string]interface{}{
		"transaction_id": txn,
		"attempt":        payment.RetryCount,
	}).Info("Payment completed")
	return nil
}

// fail marks the payment FAILED and announces it
func (s *paymentService) fail(ctx context.Context, payment *model.Payment, reason string) error {
	payment.Status = model.PaymentFailed
	payment.FailureReason = &reason
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.payments.Save(ctx, payment); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, event.New(payment.OrderID, event.PaymentFailed{
			OrderID:    payment.OrderID,
			Reason:     reason,
			RetryCount: payment.RetryCount,
		}))
	})
	if err != nil {
		return utils.Transient(err, "failed to record payment failure")
	}

	s.metrics.RecordPayment(string(model.PaymentFailed))
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": payment.OrderID,
		"reason":   reason,
		"attempts": payment.RetryCount,
	}).Warn("Payment failed")
	return nil
}

// GetPayment get payment by order id
func (s *paymentService) GetPayment(ctx context.Context, orderID string) (*model.Payment, error) {
	return s.payments.GetByOrderID(ctx, orderID)
}
