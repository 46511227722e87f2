package replication

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/replication/internal/channel"
	"github.com/gamevidea/replication/internal/message"
	"github.com/gamevidea/replication/internal/packet"
	"github.com/gamevidea/replication/internal/protocol"
)

// Receiver applies the peer's replication stream to the host world: it parses
// packets into group messages, buffers them in the per-group receive channels,
// and reapplies the ones released in causal order, translating entity ids
// through its remote-to-local mapping.
//
// A Receiver is owned by one connection and driven by a single goroutine.
type Receiver struct {
	cfg     ReceiverConfig
	logger  *slog.Logger
	metrics *Metrics

	channels    map[GroupID]*channel.ReceiveChannel
	reassembler *packet.Reassembler
	mapping     *entityMap

	events []AppliedEvent
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.World == nil {
		panic("replication: ReceiverConfig.World is required")
	}

	cfg = cfg.withDefaults()

	return &Receiver{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "replication.receiver"),
		metrics:     NewMetrics(cfg.Registerer),
		channels:    map[GroupID]*channel.ReceiveChannel{},
		reassembler: packet.NewReassembler(),
		mapping:     newEntityMap(),
	}
}

// LocalEntity resolves the local entity a remote id maps to.
func (r *Receiver) LocalEntity(remote EntityID) (EntityID, bool) {
	return r.mapping.local(remote)
}

// RemoteEntity resolves the remote id a local entity maps to.
func (r *Receiver) RemoteEntity(local EntityID) (EntityID, bool) {
	return r.mapping.remote(local)
}

// MappedEntities returns the number of live remote-to-local mappings.
func (r *Receiver) MappedEntities() int {
	return r.mapping.len()
}

func (r *Receiver) groupChannel(group GroupID) *channel.ReceiveChannel {
	ch, ok := r.channels[group]
	if !ok {
		ch = channel.NewReceiveChannel(group)
		r.channels[group] = ch
	}
	return ch
}

// ReceiveDatagram parses one data packet and buffers its messages in their
// group channels. A malformed packet is dropped whole and the error surfaced
// for logging; the connection stays up.
func (r *Receiver) ReceiveDatagram(data []byte) error {
	parsed, err := packet.Parse(data)
	if err != nil {
		r.metrics.PacketErrors.Inc()
		return err
	}

	tick := parsed.Header.Tick

	if parsed.Fragment != nil {
		assembled, err := r.reassembler.Receive(parsed.Fragment, tick)
		if err != nil {
			r.metrics.PacketErrors.Inc()
			return err
		}

		if assembled != nil {
			if err := r.receiveMessage(parsed.Fragment.Channel, tick, assembled); err != nil {
				r.metrics.PacketErrors.Inc()
				return err
			}
		}
	}

	for _, block := range parsed.Blocks {
		for _, msg := range block.Messages {
			if err := r.receiveMessage(block.Channel, tick, msg); err != nil {
				r.metrics.PacketErrors.Inc()
				return err
			}
		}
	}

	return nil
}

func (r *Receiver) receiveMessage(ch ChannelID, tick Tick, data []byte) error {
	buf := buffer.From(data)

	switch ch {
	case protocol.ChannelEntityActions:
		msg := &message.EntityActionMessage{}
		if err := msg.Read(buf); err != nil {
			return fmt.Errorf("decode actions message: %w", err)
		}

		if !r.groupChannel(msg.Group).RecvActions(tick, msg) {
			r.metrics.MessagesStale.Inc()
			r.logger.Debug("stale actions message discarded", "group", msg.Group, "seq", msg.Sequence)
		}

	case protocol.ChannelEntityUpdates:
		msg := &message.EntityUpdatesMessage{}
		if err := msg.Read(buf); err != nil {
			return fmt.Errorf("decode updates message: %w", err)
		}

		if !r.groupChannel(msg.Group).RecvUpdates(tick, msg) {
			r.metrics.MessagesStale.Inc()
			r.logger.Debug("superseded updates message discarded", "group", msg.Group, "tick", tick)
		}

	default:
		return UCH_ERROR
	}

	return nil
}

// ApplyTick releases every buffered message that is ready at the current tick,
// in causal order per group, applies it to the host world and returns the
// stream of applied events with local entity ids.
func (r *Receiver) ApplyTick(current Tick) []AppliedEvent {
	r.events = r.events[:0]
	r.reassembler.Cleanup(current)

	groups := make([]GroupID, 0, len(r.channels))
	for group := range r.channels {
		groups = append(groups, group)
	}
	slices.Sort(groups)

	for _, group := range groups {
		for _, ready := range r.channels[group].ReadMessages(current) {
			if ready.Actions != nil {
				r.applyActions(ready.Tick, ready.Actions)
				r.metrics.MessagesApplied.WithLabelValues(labelActions).Inc()
			}
			if ready.Updates != nil {
				r.applyUpdates(ready.Tick, ready.Updates)
				r.metrics.MessagesApplied.WithLabelValues(labelUpdates).Inc()
			}
		}
	}

	events := make([]AppliedEvent, len(r.events))
	copy(events, r.events)
	return events
}

// applyActions applies one action message. Spawns for every entity in the
// message run first so that component payloads referencing sibling entities,
// including cycles, resolve by the time inserts are applied.
func (r *Receiver) applyActions(tick Tick, msg *message.EntityActionMessage) {
	for i := range msg.Actions {
		entry := &msg.Actions[i]

		switch entry.Action.Spawn {
		case message.SpawnNew:
			if _, ok := r.mapping.local(entry.Entity); ok {
				// Retransmitted spawn for an entity we already know.
				continue
			}

			local := r.cfg.World.SpawnEntity()
			r.mapping.insert(entry.Entity, local)
			r.events = append(r.events, AppliedEvent{Kind: EventSpawn, Tick: tick, Entity: local})

		case message.SpawnReuse:
			if _, ok := r.mapping.local(entry.Entity); ok {
				continue
			}

			local, ok := r.cfg.Reuse(entry.Entity, entry.Action.Reuse)
			if !ok {
				r.logger.Warn("reuse spawn target not resolved, spawning fresh",
					"remote", entry.Entity, "hint", entry.Action.Reuse)
				local = r.cfg.World.SpawnEntity()
			}

			r.mapping.insert(entry.Entity, local)
			r.events = append(r.events, AppliedEvent{Kind: EventSpawn, Tick: tick, Entity: local})
		}
	}

	for i := range msg.Actions {
		entry := &msg.Actions[i]

		if entry.Action.Despawn {
			r.applyDespawn(tick, entry.Entity)
			continue
		}

		local, ok := r.mapping.local(entry.Entity)
		if !ok {
			// The entity was despawned while this message was buffered; its
			// remaining deltas are stale by definition.
			r.metrics.ApplySkips.Inc()
			r.logger.Debug("action delta for unmapped entity skipped", "remote", entry.Entity)
			continue
		}

		for _, component := range entry.Action.Inserts {
			payload, err := r.translate(component)
			if err != nil {
				r.skip(err, local, component.Kind)
				continue
			}

			if err := r.cfg.World.InsertComponent(local, component.Kind, payload); err != nil {
				r.skip(err, local, component.Kind)
				continue
			}

			r.events = append(r.events, AppliedEvent{
				Kind: EventInsert, Tick: tick, Entity: local,
				Component: component.Kind, Payload: payload,
			})
		}

		for _, kind := range entry.Action.Removes {
			if err := r.cfg.World.RemoveComponent(local, kind); err != nil {
				r.skip(err, local, kind)
				continue
			}

			r.events = append(r.events, AppliedEvent{
				Kind: EventRemove, Tick: tick, Entity: local, Component: kind,
			})
		}

		r.applyComponentUpdates(tick, local, entry.Action.Updates)
	}
}

func (r *Receiver) applyDespawn(tick Tick, remote EntityID) {
	local, ok := r.mapping.local(remote)
	if !ok {
		// Duplicate despawn under retransmission.
		return
	}

	r.mapping.remove(remote)
	r.cfg.World.DespawnEntity(local)
	r.events = append(r.events, AppliedEvent{Kind: EventDespawn, Tick: tick, Entity: local})
}

func (r *Receiver) applyUpdates(tick Tick, msg *message.EntityUpdatesMessage) {
	for i := range msg.Updates {
		entry := &msg.Updates[i]

		local, ok := r.mapping.local(entry.Entity)
		if !ok {
			// Updates may have been sent before the sender observed our
			// despawn; dropping them silently is the designed outcome.
			r.metrics.ApplySkips.Inc()
			r.logger.Debug("update for unmapped entity skipped", "remote", entry.Entity)
			continue
		}

		r.applyComponentUpdates(tick, local, entry.Components)
	}
}

func (r *Receiver) applyComponentUpdates(tick Tick, local EntityID, components []message.ComponentData) {
	for _, component := range components {
		payload, err := r.translate(component)
		if err != nil {
			r.skip(err, local, component.Kind)
			continue
		}

		if err := r.cfg.World.UpdateComponent(local, component.Kind, payload); err != nil {
			r.skip(err, local, component.Kind)
			continue
		}

		r.events = append(r.events, AppliedEvent{
			Kind: EventUpdate, Tick: tick, Entity: local,
			Component: component.Kind, Payload: payload,
		})
	}
}

// translate rewrites embedded entity references through the id mapping when
// the component kind registered a mapper.
func (r *Receiver) translate(component message.ComponentData) ([]byte, error) {
	mapper := r.cfg.Registry.mapper(component.Kind)
	if mapper == nil {
		return component.Payload, nil
	}

	return mapper(component.Payload, r.mapping.local)
}

func (r *Receiver) skip(err error, local EntityID, kind ComponentKind) {
	r.metrics.ApplySkips.Inc()
	r.logger.Warn("component delta skipped", "entity", local, "kind", kind, "err", err)
}
