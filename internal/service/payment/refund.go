package payment

import (
	"context"
	"errors"
	"fmt"

	"orderflow/internal/event"
	"orderflow/internal/model"
	"orderflow/internal/repository"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

// RefundPayment implements Service
func (s *paymentService) RefundPayment(ctx context.Context, orderID, reason string) error {
	payment, err := s.payments.GetByOrderID(ctx, orderID)
	if errors.Is(err, utils.ErrNotFound) {
		return utils.Permanent(err, fmt.Sprintf("no payment to refund for order %s", orderID))
	}
	if err != nil {
		return utils.Transient(err, "failed to load payment")
	}

	logger := log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":   orderID,
		"payment_id": payment.ID,
	})
	switch payment.Status {
	case model.PaymentRefunded:
		logger.Info("Payment already refunded")
		return nil
	case model.PaymentCompleted:
	default:
		// nothing was captured
		logger.WithField("status", payment.Status).Warn("Refund requested for uncaptured payment, ignored")
		return nil
	}

	refund, err := s.findOrCreateRefund(ctx, payment, reason)
	if err != nil {
		return err
	}
	if refund.IsTerminal() {
		logger.WithField("status", refund.Status).Info("Refund already settled")
		return nil
	}
	if refund.RetryCount >= s.cfg.RefundMaxAttempts {
		return s.failRefund(ctx, payment, refund, event.ReasonMaxRetriesReached)
	}

	refund.RetryCount++
	refund.Status = model.RefundProcessing
	if err := s.payments.SaveRefund(ctx, refund); err != nil {
		return utils.Transient(err, "failed to record refund attempt")
	}

	var txnID string
	if payment.TransactionID != nil {
		txnID = *payment.TransactionID
	}
	refundTxn, err := s.gateway.Refund(ctx, RefundRequest{
		OrderID:        orderID,
		TransactionID:  txnID,
		Amount:         refund.Amount,
		Currency:       refund.Currency,
		Reason:         refund.Reason,
		IdempotencyKey: fmt.Sprintf("refund-%s-%d", orderID, refund.RetryCount),
	})
	if declineReason, declined := IsDecline(err); declined {
		return s.failRefund(ctx, payment, refund, declineReason)
	}
	if err != nil {
		logger.WithError(err).WithField("attempt", refund.RetryCount).Warn("Refund attempt failed")
		if refund.RetryCount >= s.cfg.RefundMaxAttempts {
			return s.failRefund(ctx, payment, refund, event.ReasonMaxRetriesReached)
		}
		s.metrics.RecordRefund("retried")
		if _, ok := utils.IsAppError(err); ok {
			return err
		}
		return utils.Transient(err, "refund gateway error")
	}

	now := s.now().UTC()
	refund.Status = model.RefundCompleted
	refund.RefundTransactionID = &refundTxn
	refund.ProcessedAt = &now
	payment.Status = model.PaymentRefunded
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.payments.SaveRefund(ctx, refund); err != nil {
			return err
		}
		if err := s.payments.Save(ctx, payment); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, event.New(orderID, event.RefundProcessed{
			OrderID:             orderID,
			PaymentID:           payment.ID,
			RefundID:            refund.ID,
			RefundTransactionID: refundTxn,
			Amount:              refund.Amount,
			Currency:            refund.Currency,
			Reason:              refund.Reason,
		}))
	})
	if err != nil {
		logger.WithError(err).WithField("refund_transaction_id", refundTxn).Error("Failed to record completed refund")
		return utils.Transient(err, "failed to record completed refund")
	}

	s.metrics.RecordRefund(string(model.RefundCompleted))
	logger.WithFields(map[string]interface{}{
		"refund_id":             refund.ID,
		"refund_transaction_id": refundTxn,
		"amount":                refund.Amount,
	}).Info("Payment refunded")
	return nil
}

func (s *paymentService) findOrCreateRefund(ctx context.Context, payment *model.Payment, reason string) (*model.Refund, error) {
	refund, err := s.payments.GetRefundByOrderID(ctx, payment.OrderID)
	if err == nil {
		return refund, nil
	}
	if !errors.Is(err, utils.ErrNotFound) {
		return nil, utils.Transient(err, "failed to load refund")
	}

	now := s.now().UTC()
	refund = &model.Refund{
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Reason:    reason,
		Status:    model.RefundPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.payments.CreateRefund(ctx, refund)
	if repository.IsDuplicate(err) {
		return s.payments.GetRefundByOrderID(ctx, payment.OrderID)
	}
	if err != nil {
		return nil, utils.Transient(err, "failed to create refund")
	}
	return refund, nil
}

func (s *paymentService) failRefund(ctx context.Context, payment *model.Payment, refund *model.Refund, reason string) error {
	refund.Status = model.RefundFailed
	refund.FailureReason = &reason
	err := s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.payments.SaveRefund(ctx, refund); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, event.New(payment.OrderID, event.RefundFailed{
			OrderID:    payment.OrderID,
			PaymentID:  payment.ID,
			Reason:     reason,
			RetryCount: refund.RetryCount,
		}))
	})
	if err != nil {
		return utils.Transient(err, "failed to record refund failure")
	}

	s.metrics.RecordRefund(string(model.RefundFailed))
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": payment.OrderID,
		"reason":   reason,
		"attempts": refund.RetryCount,
	}).Error("Refund failed, manual intervention required")
	return nil
}
