package wire

import "encoding/binary"

// packetMagicHi and packetMagicLo open every packet header.
const (
	packetMagicHi byte = 0x33
	packetMagicLo byte = 0x07
)

// SendPacket frames payload behind a 6-byte header (magic + 32-bit
// big-endian length) and delivers it as one or more channel messages of at
// most MaxMessage bytes each.
func SendPacket(ch Channel, payload []byte) error {
	header := make([]byte, 6)
	header[0] = packetMagicHi
	header[1] = packetMagicLo
	binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))
	if err := ch.Send(header); err != nil {
		return ioErr("send packet header", err)
	}

	for off := 0; off < len(payload); off += MaxMessage {
		end := off + MaxMessage
		if end > len(payload) {
			end = len(payload)
		}
		if err := ch.Send(payload[off:end]); err != nil {
			return ioErr("send packet chunk", err)
		}
	}
	return nil
}

// RecvPacket reads one packet header and then accumulates channel messages
// until the declared length has been read in full, rejecting a header with
// the wrong magic.
func RecvPacket(ch Channel) ([]byte, error) {
	header, err := ch.Recv()
	if err != nil {
		return nil, ioErr("recv packet header", err)
	}
	if len(header) != 6 {
		return nil, protoErr("packet header is %d bytes, want 6", len(header))
	}
	if header[0] != packetMagicHi || header[1] != packetMagicLo {
		return nil, protoErr("bad packet magic %x", header[:2])
	}
	length := binary.BigEndian.Uint32(header[2:])

	payload := make([]byte, 0, length)
	for uint32(len(payload)) < length {
		msg, err := ch.Recv()
		if err != nil {
			return nil, ioErr("recv packet chunk", err)
		}
		remaining := length - uint32(len(payload))
		if uint32(len(msg)) > remaining {
			return nil, protoErr("packet declared length %d exceeded by delivered chunk", length)
		}
		payload = append(payload, msg...)
	}
	return payload, nil
}
