// Package icmp builds and parses ICMP Echo packets and wraps the raw IPv4
// socket the probe engine sends them on.
//
// # Packets
//
// BuildEchoRequest produces an 8-byte Echo Request header followed by a
// deterministic payload where byte i is (0x42+i) mod 256. The checksum is the
// RFC 792 Internet checksum over header and payload with the checksum field
// zeroed.
//
// Replies are read from a raw socket, so each datagram starts with the IPv4
// header. ParseHeaders reads the fixed 20-byte IPv4 header (options are not
// interpreted) and the 8-byte ICMP header that follows it.
//
// # Raw Sockets
//
// Raw ICMP sockets need root or CAP_NET_RAW on Linux:
//
//	sudo setcap cap_net_raw+ep ./hostwatch
//
// Each probe opens its own socket and closes it once the probe completes.
package icmp
