package transport

import "errors"

// This error is sent when a datagram does not start with the flag datagram as all
// replication datagrams must have the datagram flag.
var IFD_ERROR = errors.New("the datagram does not appear to have flag datagram")

// This error is sent when a data packet is shorter than a complete packet header.
var ILP_ERROR = errors.New("the data packet is shorter than the packet header")
