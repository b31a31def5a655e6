// Package xsp decodes the XSP serial stream that carries CAN packets from
// the car.
//
// # Wire Format
//
// Every packet starts with 0xE7. The start byte and the escape byte 0x75
// never appear literally inside a packet; the sender writes 0x75 followed
// by the byte XORed with 0x75 instead:
//
//	E7 | preamble (2 bytes, LE) | payload (0-8 bytes)
//	preamble = id<<4 | len
//
// # Decoding Pipeline
//
// The Handler reads raw bytes from a Source and runs them through:
//
//  1. Demultiplexer: splits the still-escaped stream on the start byte.
//     A packet is emitted once the following start byte arrives.
//  2. Decoder: removes the escaping from one packet.
//  3. Parser: checks the preamble, finds the packet's descriptor and
//     decodes the payload with its compiled layout.
//  4. Expand: pairs the decoded values with the descriptor's message names.
//
// Splitting before unescaping keeps a corrupted escape confined to the
// packet it appears in.
//
// # Errors
//
// Failures are *Error values carrying an ErrorKind. FramingError and
// DescriptorMissing only ever drop one packet; Poll keeps going. A read
// error on the source surfaces as UpstreamFailure so the caller can count
// it and decide when to disconnect.
package xsp
