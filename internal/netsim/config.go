package netsim

import "time"

// Config is the mutable-at-runtime knob set from the network simulator
// contract. Every frame admitted by SubmitPacket captures a point-in-time
// snapshot via Engine.snapshot, so a concurrent UpdateConfig never produces a
// torn read mid-frame.
type Config struct {
	BaseLatencyMs          int
	LatencyJitterMs        int
	LossProbability        float64
	BandwidthBytesPerSec   int
	MaxChunkSizeBytes      int
	AutoChunkLargePayloads bool
	EnableReordering       bool
	ReorderWindowMs        int
	ReassemblyTimeoutMs    int
}

// DefaultConfig returns a permissive configuration suitable for the
// loss=0/bandwidth=infinite boundary behavior the acceptance tests exercise.
func DefaultConfig() Config {
	return Config{
		BaseLatencyMs:          20,
		LatencyJitterMs:        5,
		LossProbability:        0,
		BandwidthBytesPerSec:   1 << 20,
		MaxChunkSizeBytes:      4096,
		AutoChunkLargePayloads: true,
		EnableReordering:       false,
		ReorderWindowMs:        0,
	}
}

// ReassemblyTimeout is how long the destination buffers chunks for one
// packet_id before discarding them unacknowledged.
func (c Config) ReassemblyTimeout() time.Duration {
	if c.ReassemblyTimeoutMs > 0 {
		return time.Duration(c.ReassemblyTimeoutMs) * time.Millisecond
	}
	min := 2 * (c.BaseLatencyMs + c.ReorderWindowMs)
	if min < 1 {
		min = 1
	}
	return time.Duration(min) * time.Millisecond
}

// AckTimeout is the default span a sender waits for an ACK before treating
// the packet as implicitly lost and retransmitting.
func (c Config) AckTimeout() time.Duration {
	jitterBudget := c.LatencyJitterMs + c.ReorderWindowMs
	ms := 2 * (c.BaseLatencyMs + jitterBudget)
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}
