package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// Epoch is 2024-01-01T00:00:00Z in milliseconds.
	Epoch int64 = 1704067200000

	// NodeBits and StepBits share the 22 low bits of an ID.
	NodeBits uint8 = 10
	StepBits uint8 = 12

	nodeMask  = -1 ^ (-1 << NodeBits)
	stepMask  = -1 ^ (-1 << StepBits)
	timeShift = NodeBits + StepBits
	nodeShift = StepBits

	// OrderNumberPrefix prefixes every human facing order number.
	OrderNumberPrefix = "ORD-"
)

var (
	ErrInvalidNodeID      = errors.New("invalid node ID")
	ErrInvalidOrderNumber = errors.New("invalid order number")
)

// IDGenerator ID generator using snowflake algorithm
type IDGenerator struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
	now       func() int64
}

// NewIDGenerator creates a new ID generator
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	if nodeID < 0 || nodeID > nodeMask {
		return nil, ErrInvalidNodeID
	}

	return &IDGenerator{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID generates a new ID. If the wall clock steps backwards the generator keeps
// issuing from the last timestamp it saw, so IDs stay increasing.
func (g *IDGenerator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.timestamp {
		now = g.timestamp
	}

	if g.timestamp == now {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			// sequence exhausted for this millisecond
			now++
			for g.now() < now && g.now() >= g.timestamp {
				time.Sleep(100 * time.Microsecond)
			}
		}
	} else {
		g.step = 0
	}

	g.timestamp = now

	return ((now - Epoch) << timeShift) |
		(g.nodeID << nodeShift) |
		g.step
}

// NextOrderNumber returns a new order number such as ORD-18446744073.
func (g *IDGenerator) NextOrderNumber() string {
	return OrderNumberPrefix + strconv.FormatInt(g.NextID(), 10)
}

// ParseOrderNumber extracts the ID from an order number.
func ParseOrderNumber(orderNumber string) (int64, error) {
	raw, ok := strings.CutPrefix(orderNumber, OrderNumberPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOrderNumber, orderNumber)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOrderNumber, orderNumber)
	}
	return id, nil
}

// ParseID parses an ID to extract timestamp, node ID and step
func ParseID(id int64) (timestamp int64, nodeID int64, step int64) {
	step = id & stepMask
	nodeID = (id >> nodeShift) & nodeMask
	timestamp = (id >> timeShift) + Epoch
	return
}

// GetTime returns the creation time encoded in an ID
func GetTime(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch)
}
