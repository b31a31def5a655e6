// Package descriptor holds the CAN descriptor tables that tell the decoder
// how to turn a packet payload into named values.
//
// Descriptors are read from a directory of per-node files. Each file maps
// hex packet ids to a name, a struct-style binary format and the ordered
// list of values the payload carries:
//
//	{
//	    // BMS pack measurements
//	    "0x402": {
//	        "name": "BMS Pack",
//	        "format": "ff",
//	        "messages": [["Bus Voltage", "V"], ["Bus Current", "A"]],
//	    },
//	}
//
// Formats are compiled into a Layout when the file is loaded, so width and
// offset problems surface at load time rather than per packet. A loaded
// Set is immutable; Table.Reload builds a fresh Set and swaps it in
// atomically.
package descriptor
