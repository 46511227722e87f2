// Package channel implements the per-replication-group state machines of both
// peers: the send side accumulates pending deltas and reconciles send/ack ticks
// against transport receipts, the receive side reorders action messages and
// gates update messages on their causal tick dependency.
package channel

import (
	"log/slog"

	"github.com/gamevidea/replication/internal/message"
	"github.com/gamevidea/replication/internal/protocol"
)

type inflightKey struct {
	channel protocol.ChannelID
	id      protocol.MessageID
}

// pendingEntity is one entity's action delta being accumulated for the next
// finalize. kinds tracks which component kinds were already touched this cycle
// so that conflicting prepare calls can be deduplicated.
type pendingEntity struct {
	action message.EntityAction
	kinds  map[protocol.ComponentKind]uint8
}

const (
	slotInsert uint8 = 1 + iota
	slotRemove
	slotUpdate
)

// SendChannel is the send-side state of one replication group.
type SendChannel struct {
	group        protocol.GroupID
	basePriority float64
	accumulated  float64

	nextActionID protocol.MessageID
	nextUpdateID protocol.MessageID

	sendTick    protocol.Tick
	hasSendTick bool
	ackTick     protocol.Tick
	hasAckTick  bool

	lastActionTick protocol.Tick
	hasActionTick  bool

	actions     map[protocol.EntityID]*pendingEntity
	actionOrder []protocol.EntityID

	updates     map[protocol.EntityID][]message.ComponentData
	updateKinds map[protocol.EntityID]map[protocol.ComponentKind]int
	updateOrder []protocol.EntityID

	inflight map[inflightKey]protocol.Tick

	logger *slog.Logger
}

func NewSendChannel(group protocol.GroupID, basePriority float64, logger *slog.Logger) *SendChannel {
	if logger == nil {
		logger = slog.Default()
	}

	return &SendChannel{
		group:        group,
		basePriority: basePriority,
		accumulated:  basePriority,
		actions:      map[protocol.EntityID]*pendingEntity{},
		updates:      map[protocol.EntityID][]message.ComponentData{},
		updateKinds:  map[protocol.EntityID]map[protocol.ComponentKind]int{},
		inflight:     map[inflightKey]protocol.Tick{},
		logger:       logger.With("group", group),
	}
}

// Group returns the replication group this channel belongs to.
func (c *SendChannel) Group() protocol.GroupID {
	return c.group
}

// SendTick returns the last tick whose updates were handed to the transport and
// whether any tick has been recorded yet.
func (c *SendChannel) SendTick() (protocol.Tick, bool) {
	return c.sendTick, c.hasSendTick
}

// AckTick returns the last tick whose updates the peer confirmed and whether
// any tick has been confirmed yet.
func (c *SendChannel) AckTick() (protocol.Tick, bool) {
	return c.ackTick, c.hasAckTick
}

func (c *SendChannel) pending(entity protocol.EntityID) *pendingEntity {
	p, ok := c.actions[entity]
	if !ok {
		p = &pendingEntity{kinds: map[protocol.ComponentKind]uint8{}}
		c.actions[entity] = p
		c.actionOrder = append(c.actionOrder, entity)
	}
	return p
}

// PrepareSpawn buffers a spawn marker for the entity. kind must be SpawnNew or
// SpawnReuse; reuse names the remote peer's existing local entity for the
// latter.
func (c *SendChannel) PrepareSpawn(entity protocol.EntityID, kind message.SpawnKind, reuse protocol.EntityID) {
	p := c.pending(entity)

	if p.action.Despawn {
		c.logger.Warn("spawn dropped: despawn already pending this cycle", "entity", entity)
		return
	}

	p.action.Spawn = kind
	p.action.Reuse = reuse
}

// PrepareDespawn buffers a despawn marker. A despawn supersedes every other
// pending delta of the entity; a spawn buffered in the same cycle cancels out
// against it since the peer never observed the entity.
func (c *SendChannel) PrepareDespawn(entity protocol.EntityID) {
	p := c.pending(entity)

	if p.action.Spawn != message.SpawnNone {
		c.logger.Debug("spawn and despawn in one cycle cancel out", "entity", entity)
		c.dropEntity(entity)
		return
	}

	p.action = message.EntityAction{Despawn: true}
	clear(p.kinds)
	c.dropUpdates(entity)
}

// PrepareInsert buffers a component insert. A second insert or a prior update
// for the same component kind within one cycle is a host bookkeeping bug; the
// later call is dropped with a diagnostic.
func (c *SendChannel) PrepareInsert(entity protocol.EntityID, component message.ComponentData) {
	p := c.pending(entity)

	if p.action.Despawn {
		return
	}

	if slot := p.kinds[component.Kind]; slot != 0 {
		c.logger.Warn("insert dropped: component already touched this cycle",
			"entity", entity, "kind", component.Kind)
		return
	}

	if kinds, ok := c.updateKinds[entity]; ok {
		if _, ok := kinds[component.Kind]; ok {
			c.logger.Warn("insert dropped: update already pending for component this cycle",
				"entity", entity, "kind", component.Kind)
			return
		}
	}

	p.kinds[component.Kind] = slotInsert
	p.action.Inserts = append(p.action.Inserts, component)
}

// PrepareRemove buffers a component kind removal.
func (c *SendChannel) PrepareRemove(entity protocol.EntityID, kind protocol.ComponentKind) {
	p := c.pending(entity)

	if p.action.Despawn {
		return
	}

	if p.kinds[kind] == slotRemove {
		return
	}

	p.kinds[kind] = slotRemove
	p.action.Removes = append(p.action.Removes, kind)
}

// PrepareUpdate buffers a component value delta. A second update for the same
// component in one cycle replaces the first (the newer payload is strictly
// fresher); an update for a component being inserted this cycle is dropped with
// a diagnostic since the insert already carries the value.
func (c *SendChannel) PrepareUpdate(entity protocol.EntityID, component message.ComponentData) {
	if p, ok := c.actions[entity]; ok {
		if p.action.Despawn {
			return
		}
		if p.kinds[component.Kind] == slotInsert {
			c.logger.Warn("update dropped: insert already pending for component this cycle",
				"entity", entity, "kind", component.Kind)
			return
		}
	}

	kinds, ok := c.updateKinds[entity]
	if !ok {
		kinds = map[protocol.ComponentKind]int{}
		c.updateKinds[entity] = kinds
		c.updateOrder = append(c.updateOrder, entity)
	}

	if index, ok := kinds[component.Kind]; ok {
		c.updates[entity][index] = component
		return
	}

	kinds[component.Kind] = len(c.updates[entity])
	c.updates[entity] = append(c.updates[entity], component)
}

func (c *SendChannel) dropEntity(entity protocol.EntityID) {
	delete(c.actions, entity)
	for i, e := range c.actionOrder {
		if e == entity {
			c.actionOrder = append(c.actionOrder[:i], c.actionOrder[i+1:]...)
			break
		}
	}
	c.dropUpdates(entity)
}

func (c *SendChannel) dropUpdates(entity protocol.EntityID) {
	if _, ok := c.updateKinds[entity]; !ok {
		return
	}

	delete(c.updates, entity)
	delete(c.updateKinds, entity)
	for i, e := range c.updateOrder {
		if e == entity {
			c.updateOrder = append(c.updateOrder[:i], c.updateOrder[i+1:]...)
			break
		}
	}
}

// Finalize drains the pending buffers into at most one action message and at
// most one update message for the given tick. Pending updates are merged into
// the action message when one is being sent this tick so that a spawn and its
// first value delta apply atomically; otherwise a standalone update message is
// emitted carrying the group's causal dependency.
//
// The group's accumulated priority grows by its base priority each call and is
// returned alongside; it resets only once a message is confirmed sent.
func (c *SendChannel) Finalize(tick protocol.Tick) (*message.EntityActionMessage, *message.EntityUpdatesMessage, float64) {
	c.accumulated += c.basePriority

	var actions *message.EntityActionMessage
	var updates *message.EntityUpdatesMessage

	if len(c.actionOrder) > 0 {
		actions = &message.EntityActionMessage{
			Group:    c.group,
			Sequence: c.nextActionID,
		}
		c.nextActionID += 1

		for _, entity := range c.actionOrder {
			entry := message.ActionEntry{Entity: entity, Action: c.actions[entity].action}

			if pending, ok := c.updates[entity]; ok {
				entry.Action.Updates = pending
				c.dropUpdates(entity)
			}

			actions.Actions = append(actions.Actions, entry)
		}

		// Remaining updates belong to entities without actions this tick; they
		// still ride the action message so the whole group applies atomically.
		for _, entity := range c.updateOrder {
			actions.Actions = append(actions.Actions, message.ActionEntry{
				Entity: entity,
				Action: message.EntityAction{Updates: c.updates[entity]},
			})
		}

		c.inflight[inflightKey{protocol.ChannelEntityActions, actions.Sequence}] = tick
		c.lastActionTick = tick
		c.hasActionTick = true
	} else if len(c.updateOrder) > 0 {
		updates = &message.EntityUpdatesMessage{
			Group:          c.group,
			Sequence:       c.nextUpdateID,
			LastActionTick: c.lastActionTick,
			HasActionTick:  c.hasActionTick,
		}
		c.nextUpdateID += 1

		for _, entity := range c.updateOrder {
			updates.Updates = append(updates.Updates, message.UpdateEntry{
				Entity:     entity,
				Components: c.updates[entity],
			})
		}

		c.inflight[inflightKey{protocol.ChannelEntityUpdates, updates.Sequence}] = tick
	}

	clear(c.actions)
	c.actionOrder = c.actionOrder[:0]
	clear(c.updates)
	clear(c.updateKinds)
	c.updateOrder = c.updateOrder[:0]

	return actions, updates, c.accumulated
}

// HandleSendNotification records that a finalized message was actually handed
// to the transport (not dropped by the bandwidth cap): the tick recorded at
// buffering time becomes the group's send tick and the priority accumulator
// resets.
func (c *SendChannel) HandleSendNotification(channel protocol.ChannelID, id protocol.MessageID) {
	tick, ok := c.inflight[inflightKey{channel, id}]
	if !ok {
		return
	}

	if !c.hasSendTick || tick.After(c.sendTick) {
		c.sendTick = tick
		c.hasSendTick = true
	}

	c.accumulated = c.basePriority
}

// HandleAck records that the peer confirmed the message: its buffered tick
// becomes the group's ack tick.
func (c *SendChannel) HandleAck(channel protocol.ChannelID, id protocol.MessageID) {
	key := inflightKey{channel, id}

	tick, ok := c.inflight[key]
	if !ok {
		return
	}

	delete(c.inflight, key)

	if !c.hasAckTick || tick.After(c.ackTick) {
		c.ackTick = tick
		c.hasAckTick = true
	}

	if !c.hasSendTick || tick.After(c.sendTick) {
		c.sendTick = tick
		c.hasSendTick = true
	}
}

// HandleNack records that an update message was lost: the send tick rolls back
// to the last acked tick so the next finalize re-includes every value delta
// since then. Lost action messages are retransmitted by the transport instead
// and are ignored here.
func (c *SendChannel) HandleNack(channel protocol.ChannelID, id protocol.MessageID) {
	key := inflightKey{channel, id}

	if _, ok := c.inflight[key]; !ok {
		return
	}

	delete(c.inflight, key)

	if channel != protocol.ChannelEntityUpdates {
		return
	}

	c.sendTick = c.ackTick
	c.hasSendTick = c.hasAckTick
	c.logger.Debug("update message lost, send tick rolled back", "id", id)
}

// HandleDrop forgets a finalized message that the bandwidth cap kept from ever
// reaching the transport. Its ticks never advanced, so the next finalize
// re-derives the same deltas.
func (c *SendChannel) HandleDrop(channel protocol.ChannelID, id protocol.MessageID) {
	delete(c.inflight, inflightKey{channel, id})
}

// Cleanup forgets the group's last action tick once it is stale enough that
// every receiver must have caught up, so update messages stop carrying a
// dependency across tick wraparound. Inflight ticks past the same horizon are
// pruned as well.
func (c *SendChannel) Cleanup(tick protocol.Tick) {
	if c.hasActionTick && protocol.TickDiff(tick, c.lastActionTick) > protocol.ACTION_TICK_STALE {
		c.hasActionTick = false
	}

	for key, buffered := range c.inflight {
		if protocol.TickDiff(tick, buffered) > protocol.ACTION_TICK_STALE {
			delete(c.inflight, key)
		}
	}
}
