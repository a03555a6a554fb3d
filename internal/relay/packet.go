package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

type etherType uint16

const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
	etherTypeIPv6 etherType = 0x86DD
)

func (e etherType) String() string {
	switch e {
	case etherTypeIPv4:
		return "ipv4"
	case etherTypeARP:
		return "arp"
	case etherTypeIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("ether type 0x%04x", uint16(e))
}

type protocolNumber uint8

const (
	protoICMP protocolNumber = 1
	protoTCP  protocolNumber = 6
	protoUDP  protocolNumber = 17
)

func (p protocolNumber) String() string {
	switch p {
	case protoICMP:
		return "icmp"
	case protoTCP:
		return "tcp"
	case protoUDP:
		return "udp"
	}
	return fmt.Sprintf("protocol %d", uint8(p))
}

const (
	ethernetHeaderLen = 14
	arpPacketLen      = 28
	ipv4HeaderLen     = 20
	icmpHeaderLen     = 8

	arpOpRequest = 1
	arpOpReply   = 2

	icmpEchoReply   = 0
	icmpEchoRequest = 8

	ipv4FlagDontFragment = 0x4000
)

// DefaultHardwareAddr is the synthetic MAC the relay answers ARP with.
var DefaultHardwareAddr = net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

var errMalformed = errors.New("malformed")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errMalformed, fmt.Sprintf(format, args...))
}

// ethernetFrame is a parse view over one frame.
type ethernetFrame struct {
	dst, src  net.HardwareAddr
	etherType etherType
	payload   []byte
}

func parseEthernet(b []byte) (ethernetFrame, error) {
	if len(b) < ethernetHeaderLen {
		return ethernetFrame{}, malformed("ethernet frame of %d bytes", len(b))
	}
	return ethernetFrame{
		dst:       net.HardwareAddr(b[0:6]),
		src:       net.HardwareAddr(b[6:12]),
		etherType: etherType(binary.BigEndian.Uint16(b[12:14])),
		payload:   b[ethernetHeaderLen:],
	}, nil
}

// buildEthernet answers f: addresses swapped, ether type kept.
func buildEthernet(f ethernetFrame, payload []byte) []byte {
	out := make([]byte, ethernetHeaderLen+len(payload))
	copy(out[0:6], f.src)
	copy(out[6:12], f.dst)
	binary.BigEndian.PutUint16(out[12:14], uint16(f.etherType))
	copy(out[ethernetHeaderLen:], payload)
	return out
}

type arpMessage struct {
	hwType    uint16
	protoType uint16
	hwLen     uint8
	protoLen  uint8
	op        uint16
	senderHW  []byte
	senderIP  []byte
	targetHW  []byte
	targetIP  []byte
}

func parseARP(b []byte) (arpMessage, error) {
	if len(b) < 8 {
		return arpMessage{}, malformed("arp packet of %d bytes", len(b))
	}
	m := arpMessage{
		hwType:    binary.BigEndian.Uint16(b[0:2]),
		protoType: binary.BigEndian.Uint16(b[2:4]),
		hwLen:     b[4],
		protoLen:  b[5],
		op:        binary.BigEndian.Uint16(b[6:8]),
	}
	hl, pl := int(m.hwLen), int(m.protoLen)
	if hl == 0 || pl == 0 {
		return arpMessage{}, malformed("arp address lengths %d/%d", hl, pl)
	}
	if need := 8 + 2*hl + 2*pl; len(b) < need {
		return arpMessage{}, malformed("arp packet of %d bytes, need %d", len(b), need)
	}
	off := 8
	m.senderHW = b[off : off+hl]
	off += hl
	m.senderIP = b[off : off+pl]
	off += pl
	m.targetHW = b[off : off+hl]
	off += hl
	m.targetIP = b[off : off+pl]
	return m, nil
}

// arpReply answers req, claiming hw as the owner of the requested address.
// hw is cut or zero-padded to the request's hardware address length.
func arpReply(req arpMessage, hw net.HardwareAddr) []byte {
	hl, pl := int(req.hwLen), int(req.protoLen)
	out := make([]byte, 8+2*hl+2*pl)
	binary.BigEndian.PutUint16(out[0:2], req.hwType)
	binary.BigEndian.PutUint16(out[2:4], req.protoType)
	out[4] = req.hwLen
	out[5] = req.protoLen
	binary.BigEndian.PutUint16(out[6:8], arpOpReply)
	off := 8
	copy(out[off:off+hl], hw)
	off += hl
	copy(out[off:off+pl], req.targetIP)
	off += pl
	copy(out[off:off+hl], req.senderHW)
	off += hl
	copy(out[off:off+pl], req.senderIP)
	return out
}

type ipv4Header struct {
	ihl      uint8
	tos      uint8
	length   uint16
	id       uint16
	ttl      uint8
	protocol protocolNumber
	src, dst netip.Addr
	payload  []byte
}

// parseIPv4 validates the fixed header and bounds the payload by the total
// length field, so link-layer padding is ignored.
func parseIPv4(b []byte) (ipv4Header, error) {
	if len(b) < ipv4HeaderLen {
		return ipv4Header{}, malformed("ipv4 packet of %d bytes", len(b))
	}
	if v := b[0] >> 4; v != 4 {
		return ipv4Header{}, malformed("ip version %d", v)
	}
	h := ipv4Header{
		ihl:      b[0] & 0x0f,
		tos:      b[1],
		length:   binary.BigEndian.Uint16(b[2:4]),
		id:       binary.BigEndian.Uint16(b[4:6]),
		ttl:      b[8],
		protocol: protocolNumber(b[9]),
		src:      netip.AddrFrom4([4]byte(b[12:16])),
		dst:      netip.AddrFrom4([4]byte(b[16:20])),
	}
	headerLen := int(h.ihl) * 4
	if headerLen < ipv4HeaderLen {
		return ipv4Header{}, malformed("ipv4 header length %d", headerLen)
	}
	total := int(h.length)
	if total < headerLen || total > len(b) {
		return ipv4Header{}, malformed("ipv4 total length %d (header %d, have %d)", total, headerLen, len(b))
	}
	h.payload = b[headerLen:total]
	return h, nil
}

// ipv4Reply wraps payload in a fresh 20 byte header answering req.
func ipv4Reply(req ipv4Header, id uint16, payload []byte) []byte {
	out := make([]byte, ipv4HeaderLen+len(payload))
	out[0] = 4<<4 | ipv4HeaderLen/4
	out[1] = req.tos
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	binary.BigEndian.PutUint16(out[4:6], id)
	binary.BigEndian.PutUint16(out[6:8], ipv4FlagDontFragment)
	if req.ttl > 0 {
		out[8] = req.ttl - 1
	}
	out[9] = byte(req.protocol)
	dst, src := req.src.As4(), req.dst.As4()
	copy(out[12:16], src[:])
	copy(out[16:20], dst[:])
	binary.BigEndian.PutUint16(out[10:12], checksum(out[:ipv4HeaderLen]))
	copy(out[ipv4HeaderLen:], payload)
	return out
}

type icmpMessage struct {
	typ, code uint8
	sum       uint16
	ident     uint16
	seq       uint16
	raw       []byte
}

func parseICMP(b []byte) (icmpMessage, error) {
	if len(b) < icmpHeaderLen {
		return icmpMessage{}, malformed("icmp message of %d bytes", len(b))
	}
	return icmpMessage{
		typ:   b[0],
		code:  b[1],
		sum:   binary.BigEndian.Uint16(b[2:4]),
		ident: binary.BigEndian.Uint16(b[4:6]),
		seq:   binary.BigEndian.Uint16(b[6:8]),
		raw:   b,
	}, nil
}

// echoReply turns an echo request into its reply. Identifier, sequence and
// payload are kept; the checksum is recomputed.
func echoReply(req icmpMessage) []byte {
	out := make([]byte, len(req.raw))
	copy(out, req.raw)
	out[0] = icmpEchoReply
	out[1] = req.code
	out[2], out[3] = 0, 0
	binary.BigEndian.PutUint16(out[2:4], checksum(out))
	return out
}

// checksum is the Internet checksum (RFC 1071) of data. Run over data that
// already carries a correct checksum it yields 0.
func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
