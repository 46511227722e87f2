package replication

import (
	"errors"

	"github.com/gamevidea/replication/internal/protocol"
)

// This error is sent when a serialized message exceeds what any packet sequence
// could ever deliver. It reports a caller configuration error eagerly since no
// amount of retrying fixes it.
var MTL_ERROR = protocol.MTL_ERROR

// This error is sent when a component operation names an entity that was never
// registered for replication on this connection.
var UNR_ERROR = errors.New("the entity is not registered for replication")

// This error is sent when a packet carries a channel id this protocol does not
// define.
var UCH_ERROR = errors.New("the packet carries an unknown channel id")
