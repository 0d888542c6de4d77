// Package payment charges and refunds orders through an external gateway. Attempts are
// counted on the persisted payment so a redelivered request cannot retry forever.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/monitor"
	"orderflow/pkg/breaker"
	"orderflow/pkg/limiter"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

// Decline reasons reported by the gateway
const (
	DeclineCardDeclined      = "CARD_DECLINED"
	DeclineInsufficientFunds = "INSUFFICIENT_FUNDS"
	DeclineExpiredCard       = "EXPIRED_CARD"
	DeclineFraudDetected     = "FRAUD_DETECTED"
)

// ChargeRequest is one charge attempt. IdempotencyKey is unique per attempt.
type ChargeRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	MethodToken    string
	IdempotencyKey string
}

// RefundRequest reverses a completed charge
type RefundRequest struct {
	OrderID        string
	TransactionID  string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// Gateway is the external payment provider
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (transactionID string, err error)
	Refund(ctx context.Context, req RefundRequest) (refundTransactionID string, err error)
}

// DeclineError is a business refusal by the provider. It is final for the attempt and
// does not count against the circuit.
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

// IsDecline reports whether err is a provider decline and returns its reason
func IsDecline(err error) (string, bool) {
	var d *DeclineError
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

// SimulatedGateway stands in for a real provider. Known test tokens have a fixed outcome;
// any other token succeeds with SuccessRate.
type SimulatedGateway struct {
	SuccessRate float64
	Latency     time.Duration

	mu   sync.Mutex
	rand func() float64
}

var approveTokens = map[string]bool{
	"pm_card_visa_4242":       true,
	"pm_card_mastercard_5555": true,
	"pm_card_amex_3782":       true,
	"pm_card_discover_6011":   true,
}

var declineTokens = map[string]string{
	"pm_card_declined_4000":     DeclineCardDeclined,
	"pm_card_insufficient_4001": DeclineInsufficientFunds,
	"pm_card_expired_4003":      DeclineExpiredCard,
	"pm_card_fraud_4004":        DeclineFraudDetected,
}

// errNetwork is what the simulated provider returns for the network failure token
var errNetwork = errors.New("payment provider connection reset")

const networkFailureToken = "pm_card_network_4002"

// NewSimulatedGateway creates a simulated provider
func NewSimulatedGateway(successRate float64, latency time.Duration) *SimulatedGateway {
	return &SimulatedGateway{
		SuccessRate: successRate,
		Latency:     latency,
		rand:        rand.Float64,
	}
}

func (g *SimulatedGateway) wait(ctx context.Context) error {
	if g.Latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.Latency):
		return nil
	}
}

func (g *SimulatedGateway) roll() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rand()
}

// Charge implements Gateway
func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	if reason, ok := declineTokens[req.MethodToken]; ok {
		return "", &DeclineError{Reason: reason}
	}
	if req.MethodToken == networkFailureToken {
		return "", errNetwork
	}
	if !approveTokens[req.MethodToken] && g.roll() >= g.SuccessRate {
		return "", &DeclineError{Reason: DeclineCardDeclined}
	}
	return "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16], nil
}

// Refund implements Gateway
func (g *SimulatedGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	if req.TransactionID == "" {
		return "", &DeclineError{Reason: "UNKNOWN_TRANSACTION"}
	}
	return "rfd_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16], nil
}

// GuardedGateway throttles calls with a token bucket and protects them with a circuit
// breaker. Declines count as successful calls.
type GuardedGateway struct {
	next    Gateway
	cb      *breaker.CircuitBreaker
	limiter *limiter.TokenBucketLimiter
}

// NewGuardedGateway wraps next. limiter may be nil.
func NewGuardedGateway(next Gateway, cfg breaker.Config, tb *limiter.TokenBucketLimiter, metrics *monitor.MetricsCollector) *GuardedGateway {
	cfg.IsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		_, declined := IsDecline(err)
		return declined
	}
	onChange := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to breaker.State) {
		metrics.SetBreakerState(name, int(to))
		log.WithFields(map[string]interface{}{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("Payment gateway circuit changed state")
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	return &GuardedGateway{
		next:    next,
		cb:      breaker.NewCircuitBreaker("payment-gateway", cfg),
		limiter: tb,
	}
}

// State returns the circuit state
func (g *GuardedGateway) State() breaker.State {
	return g.cb.State()
}

func (g *GuardedGateway) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return utils.Transient(err, "payment gateway throttled")
		}
	}
	err := g.cb.Execute(ctx, fn)
	if breaker.IsCircuitBreakerError(err) {
		return utils.Transient(err, "payment gateway circuit open")
	}
	return err
}

// Charge implements Gateway
func (g *GuardedGateway) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	var txn string
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		txn, err = g.next.Charge(ctx, req)
		return err
	})
	return txn, err
}

// Refund implements Gateway
func (g *GuardedGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	var txn string
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		txn, err = g.next.Refund(ctx, req)
		return err
	})
	return txn, err
}
