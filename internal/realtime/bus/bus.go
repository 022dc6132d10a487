// Package bus defines the optional cross-instance fan-out bridge for the
// Progress Stream Hub (spec §5: "deployment scales horizontally" — a client
// streaming from instance B must still see events produced by the job's
// goroutine on instance A). Grounded on the teacher's internal/realtime/bus
// package: a small Bus interface plus a Redis pub/sub implementation,
// wired in only when REDIS_ADDR is set.
package bus

import "context"

// Bus publishes realtime events to every other instance and forwards
// events published by other instances back into this process.
type Bus interface {
	Publish(ctx context.Context, raw []byte) error
	StartForwarder(ctx context.Context, onMsg func(raw []byte)) error
	Close() error
}
