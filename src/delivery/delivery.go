package delivery

//go:generate mockgen -source=delivery.go -destination=mock_test.go -package=delivery

import (
	"errors"

	"github.com/sensocto/sensocto-go/src/pkg/events"
	"github.com/sensocto/sensocto-go/src/types"
)

const (
	// ConnectionOpened fires when a delivery buffer is attached for a
	// new connection. Payload is a ConnectionEvent.
	ConnectionOpened events.EventType = "ConnectionOpened"
	// ConnectionClosed fires when the buffer is torn down.
	ConnectionClosed events.EventType = "ConnectionClosed"
)

type ConnectionEvent struct {
	ConnID  types.ConnID     `json:"conn_id"`
	Sources []types.SourceID `json:"sources"`
}

var (
	ErrBufferExist    = errors.New("delivery buffer already exists")
	ErrBufferNotExist = errors.New("delivery buffer not exists")
)

// Batch is one consolidated, timestamp-sorted delivery.
type Batch struct {
	ConnID       types.ConnID        `json:"conn_id"`
	Measurements []types.Measurement `json:"measurements"`
	Tier         types.QualityTier   `json:"tier"`
	FlushedAt    int64               `json:"flushed_at"`
}

// Sink receives flushed batches, one implementation per transport. A
// failing sink loses that batch only; the buffer keeps running.
type Sink interface {
	Deliver(batch Batch) error
}

// TierReader resolves a connection's current quality tier. Implemented
// by the priority controller over its decision cache; buffers read it
// when (re)arming their flush timer, which is what makes tier changes
// take effect on the next flush rather than mid-window.
type TierReader interface {
	Tier(connID types.ConnID) types.QualityTier
}
