package replication

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// SenderConfig configures one connection's replication sender. The zero value
// is usable: full MTU, no bandwidth cap, no visibility filter.
type SenderConfig struct {
	// MTU is the packet size budget in bytes. Zero means the protocol maximum.
	MTU int

	// BandwidthCap limits the serialized update-message bytes scheduled per
	// send tick. Zero means uncapped. Action messages always bypass the cap:
	// dropping one would leave an unfillable gap in the group's sequence.
	BandwidthCap int

	// Visibility, when set, filters entities at collect time; entities it
	// rejects produce no messages this tick.
	Visibility func(EntityID) bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registerer receives the pipeline metrics. Nil keeps them private.
	Registerer prometheus.Registerer
}

func (c *SenderConfig) withDefaults() SenderConfig {
	out := *c
	if out.MTU <= 0 {
		out.MTU = MTU
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// ReuseResolver chooses the local entity a reuse-spawn attaches to. hint is the
// entity id carried by the action. The default resolver uses the hint directly.
type ReuseResolver func(remote, hint EntityID) (EntityID, bool)

// ReceiverConfig configures one connection's replication receiver.
type ReceiverConfig struct {
	// World receives the applied mutations. Required.
	World World

	// Registry supplies per-component hooks; nil means no payload carries
	// entity references.
	Registry *ComponentRegistry

	// Reuse resolves reuse-spawn actions. Nil uses the carried hint as the
	// local entity id.
	Reuse ReuseResolver

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Registerer receives the pipeline metrics. Nil keeps them private.
	Registerer prometheus.Registerer
}

func (c *ReceiverConfig) withDefaults() ReceiverConfig {
	out := *c
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Reuse == nil {
		out.Reuse = func(remote, hint EntityID) (EntityID, bool) {
			return hint, true
		}
	}
	return out
}
