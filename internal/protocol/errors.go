package protocol

import "errors"

// This error is sent when a varuint on the wire does not terminate within its
// maximum encoded width.
var IVE_ERROR = errors.New("the buffer contains an unterminated varuint encoding")

// This error is sent when a serialized message exceeds the maximum message size and
// therefore could never be delivered regardless of fragmentation. It is a caller
// configuration error, not a retryable one.
var MTL_ERROR = errors.New("the serialized message exceeds the maximum deliverable message size")

// This error is sent when a packet does not start with the datagram flag as all
// replication datagrams must have the datagram flag.
var IFD_ERROR = errors.New("the buffer does not appear to have flag datagram")

// This error is sent when a packet's payload claims a length that exceeds the
// remaining bytes of the buffer.
var ILN_ERROR = errors.New("the buffer claims a payload length exceeding its remaining bytes")

// This error is sent when an action entry carries a spawn marker outside the
// tri-state range.
var ISK_ERROR = errors.New("the action entry carries an invalid spawn marker")

// This error is sent when a fragment block carries an index that is not below its
// fragment count.
var IFI_ERROR = errors.New("the fragment index is not below the fragment count")

// This error is sent when a message is split into more fragments than a message is
// allowed to have.
var EMF_ERROR = errors.New("the message exceeds the maximum number of fragments it is allowed to have")

// This error is sent when a channel block holds more messages than it is allowed
// to contain.
var MBC_ERROR = errors.New("the channel block exceeds the maximum number of messages it is allowed to contain")

// This error is sent when a receipt record has an invalid record type value encoded.
var IRT_ERROR = errors.New("an exception has occured while trying to parse the receipt record type")
