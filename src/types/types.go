package types

// Identifier types used across the delivery-control subsystem. Source and
// channel ids are open-ended runtime strings, never enums.
type (
	// SourceID identifies a sensor or other data-producing entity.
	SourceID string
	// ChannelID identifies one named sub-stream (attribute) of a source.
	ChannelID string
	// UserID identifies a viewer.
	UserID string
	// ConnID identifies one downstream connection.
	ConnID string
)

// Measurement is a single sensor reading flowing through the system.
// Timestamp is unix milliseconds as reported by the producer.
type Measurement struct {
	SourceID  SourceID    `json:"source_id"`
	ChannelID ChannelID   `json:"channel_id"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// LoadSample is one observation of the four pressure gauges, each
// normalized to [0,1].
type LoadSample struct {
	SchedulerUtilization float64 `json:"scheduler_utilization"`
	MemoryPressure       float64 `json:"memory_pressure"`
	QueuePressure        float64 `json:"queue_pressure"`
	MailboxPressure      float64 `json:"mailbox_pressure"`
	Timestamp            int64   `json:"timestamp"`
}

// MaxPressure returns the worst of the four pressures. Classification
// always keys off the maximum.
func (s LoadSample) MaxPressure() float64 {
	max := s.SchedulerUtilization
	for _, v := range []float64{s.MemoryPressure, s.QueuePressure, s.MailboxPressure} {
		if v > max {
			max = v
		}
	}
	return max
}
