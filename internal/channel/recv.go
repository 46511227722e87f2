package channel

import (
	"slices"

	"github.com/gamevidea/replication/internal/message"
	"github.com/gamevidea/replication/internal/protocol"
)

type bufferedActions struct {
	tick protocol.Tick
	msg  *message.EntityActionMessage
}

// Ready is one message released by ReadMessages in apply order. Exactly one of
// Actions and Updates is set.
type Ready struct {
	Tick    protocol.Tick
	Actions *message.EntityActionMessage
	Updates *message.EntityUpdatesMessage
}

// ReceiveChannel is the receive-side state of one replication group: a reorder
// buffer for action messages that tolerates no sequence gaps, and a buffer of
// update messages gated on their causal action-tick dependency.
type ReceiveChannel struct {
	group protocol.GroupID

	pendingActionID protocol.MessageID

	latestTick protocol.Tick
	hasLatest  bool

	actions map[protocol.MessageID]bufferedActions
	updates map[protocol.Tick]*message.EntityUpdatesMessage
}

func NewReceiveChannel(group protocol.GroupID) *ReceiveChannel {
	return &ReceiveChannel{
		group:   group,
		actions: map[protocol.MessageID]bufferedActions{},
		updates: map[protocol.Tick]*message.EntityUpdatesMessage{},
	}
}

// Group returns the replication group this channel belongs to.
func (c *ReceiveChannel) Group() protocol.GroupID {
	return c.group
}

// LatestTick returns the last tick whose data was applied to the group and
// whether anything has been applied yet.
func (c *ReceiveChannel) LatestTick() (protocol.Tick, bool) {
	return c.latestTick, c.hasLatest
}

// RecvActions buffers an action message received at the given tick. Messages
// behind the next expected sequence id are stale duplicates and are discarded;
// this is expected under packet loss and retransmission, not an error. Returns
// whether the message was buffered.
func (c *ReceiveChannel) RecvActions(tick protocol.Tick, msg *message.EntityActionMessage) bool {
	if msg.Sequence.Before(c.pendingActionID) {
		return false
	}

	if _, ok := c.actions[msg.Sequence]; ok {
		return false
	}

	c.actions[msg.Sequence] = bufferedActions{tick: tick, msg: msg}
	return true
}

// RecvUpdates buffers an update message received at the given tick. A message
// whose tick the group has already reached is superseded by newer data and is
// discarded. Returns whether the message was buffered.
func (c *ReceiveChannel) RecvUpdates(tick protocol.Tick, msg *message.EntityUpdatesMessage) bool {
	if c.hasLatest && c.latestTick.AtLeast(tick) {
		return false
	}

	if _, ok := c.updates[tick]; ok {
		return false
	}

	c.updates[tick] = msg
	return true
}

func (c *ReceiveChannel) advance(tick protocol.Tick) {
	if !c.hasLatest || tick.After(c.latestTick) {
		c.latestTick = tick
		c.hasLatest = true
	}
}

// ReadMessages releases every message that is ready to apply at the given tick:
// first action messages, strictly in sequence order with gaps held back and
// future ticks deferred, then every buffered update whose causal dependency has
// been satisfied, in ascending tick order. Within one call all released actions
// precede all released updates.
func (c *ReceiveChannel) ReadMessages(current protocol.Tick) []Ready {
	var out []Ready

	for {
		buffered, ok := c.actions[c.pendingActionID]
		if !ok || buffered.tick.After(current) {
			break
		}

		delete(c.actions, c.pendingActionID)
		c.pendingActionID += 1
		c.advance(buffered.tick)

		out = append(out, Ready{Tick: buffered.tick, Actions: buffered.msg})
	}

	if len(c.updates) == 0 {
		return out
	}

	ticks := make([]protocol.Tick, 0, len(c.updates))
	for tick := range c.updates {
		ticks = append(ticks, tick)
	}
	slices.SortFunc(ticks, func(a, b protocol.Tick) int {
		return int(protocol.TickDiff(a, b))
	})

	for _, tick := range ticks {
		msg := c.updates[tick]

		// Superseded while buffered: an action or an earlier released update
		// already moved the group past this tick.
		if c.hasLatest && c.latestTick.AtLeast(tick) {
			delete(c.updates, tick)
			continue
		}

		if msg.HasActionTick && !(c.hasLatest && c.latestTick.AtLeast(msg.LastActionTick)) {
			continue
		}

		delete(c.updates, tick)
		c.advance(tick)

		out = append(out, Ready{Tick: tick, Updates: msg})
	}

	return out
}
