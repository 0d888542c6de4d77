// Package degrade holds operator switches that shed a scope of traffic, such as order
// intake, across every instance sharing a Redis.
package degrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "degrade:"

// Strategy describes how a degraded scope answers
type Strategy struct {
	Message string `json:"message"`
	// RetryAfter is advertised to clients; zero lets the caller pick.
	RetryAfter time.Duration `json:"retry_after"`
	Reason     string        `json:"reason,omitempty"`
	Since      time.Time     `json:"since"`
}

// DefaultStrategy is reported when a switch is on but its strategy cannot be read
var DefaultStrategy = Strategy{Message: "Service temporarily unavailable, please try again later"}

// Manager reads and flips degrade switches
type Manager struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewManager creates a manager
func NewManager(client redis.UniversalClient) *Manager {
	return &Manager{client: client, now: time.Now}
}

func key(scope string) string {
	return keyPrefix + scope
}

// Check reports whether scope is degraded. Errors reading Redis are returned with
// degraded=false so callers can keep serving.
func (m *Manager) Check(ctx context.Context, scope string) (bool, *Strategy, error) {
	data, err := m.client.Get(ctx, key(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("read degrade switch %s: %w", scope, err)
	}

	var s Strategy
	if err := json.Unmarshal(data, &s); err != nil {
		s = DefaultStrategy
	}
	if s.Message == "" {
		s.Message = DefaultStrategy.Message
	}
	return true, &s, nil
}

// Enable degrades scope. ttl of zero keeps it on until Disable.
func (m *Manager) Enable(ctx context.Context, scope string, s Strategy, ttl time.Duration) error {
	if scope == "" {
		return fmt.Errorf("degrade scope is required")
	}
	if s.Since.IsZero() {
		s.Since = m.now().UTC()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}
	if err := m.client.Set(ctx, key(scope), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to enable degrade %s: %w", scope, err)
	}
	return nil
}

// Disable restores scope
func (m *Manager) Disable(ctx context.Context, scope string) error {
	if err := m.client.Del(ctx, key(scope)).Err(); err != nil {
		return fmt.Errorf("failed to disable degrade %s: %w", scope, err)
	}
	return nil
}

// Status lists every degraded scope
func (m *Manager) Status(ctx context.Context) (map[string]Strategy, error) {
	result := make(map[string]Strategy)

	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		scope := strings.TrimPrefix(iter.Val(), keyPrefix)
		degraded, s, err := m.Check(ctx, scope)
		if err != nil {
			return nil, err
		}
		if degraded {
			result[scope] = *s
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan degrade keys: %w", err)
	}
	return result, nil
}
