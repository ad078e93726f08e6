// Package protocol implements the iTFS sensor wire protocol.
//
// iTFS LiDAR sensors are managed over UDP with fixed-format packets. The
// host listens on the data port (7256 by default) and sends commands from
// the config port (7257) to the sensor config port (4906). Discovery uses
// broadcast; targeted commands use unicast.
//
// Every packet shares the same frame:
//
//	[0:2]   0xA5 0x5A      sync
//	[2:4]   message id     (little-endian uint16)
//	[4:6]   payload length (little-endian uint16)
//	[6:N]   payload
//	[N:N+2] 0xA5 0x5A      tail
//
// The payload layout depends on the message id; see Packet, Command, Info,
// Ack and FlashBlock for the individual formats.
package protocol
