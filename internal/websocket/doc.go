// Package websocket implements the server side of RFC 6455 for the live
// telemetry endpoints.
//
// # Handshake
//
// Validate checks an upgrade request against a set of Policies, one per
// negotiated header (version, subprotocol, origin, host). Upgrade runs the
// checks, writes the 101 response and hijacks the connection:
//
//	conn, err := websocket.Upgrade(w, r, websocket.DefaultPolicies())
//	if err != nil {
//	    return // a 4xx has already been written
//	}
//	defer conn.Close(websocket.CloseNormal, "")
//
// # Frames and Messages
//
// ReadFrame decodes one frame and unmasks it. Header bits are read through
// accessor methods on Frame. An Assembler turns frames back into messages;
// Fragment does the reverse, cutting payloads into FragmentSize pieces.
//
// # Sending
//
// Conn keeps a FIFO of outgoing frames. SendMessage queues every fragment
// of a message and drains the queue before returning. SendUrgent puts a
// control frame at the head of the queue so a pong can overtake the
// remaining fragments of a large message.
package websocket
