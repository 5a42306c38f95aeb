package wire

import "encoding/binary"

// Header magics for the two messages that precede a file's data.
const (
	nameMagicHi byte = 0x09
	nameMagicLo byte = 0x28
	sizeMagicHi byte = 0x07
	sizeMagicLo byte = 0x15
)

// MaxFilenameLen is the largest filename byte length SendFile accepts. The
// name travels as one channel message, so it is capped at MaxMessage, well
// below the 65535 the 16-bit length field could express.
const MaxFilenameLen = MaxMessage

// SendFile transfers one blob payload under filename: a name-length
// header, the filename bytes, a size header, then data in ≤MaxMessage
// chunks.
func SendFile(ch Channel, filename string, data []byte) error {
	nameBytes := []byte(filename)
	if len(nameBytes) > MaxFilenameLen {
		return protoErr("filename %d bytes exceeds %d-byte limit", len(nameBytes), MaxFilenameLen)
	}

	nameHeader := make([]byte, 4)
	nameHeader[0] = nameMagicHi
	nameHeader[1] = nameMagicLo
	binary.BigEndian.PutUint16(nameHeader[2:], uint16(len(nameBytes)))
	if err := ch.Send(nameHeader); err != nil {
		return ioErr("send file name header", err)
	}
	if err := ch.Send(nameBytes); err != nil {
		return ioErr("send file name", err)
	}

	sizeHeader := make([]byte, 6)
	sizeHeader[0] = sizeMagicHi
	sizeHeader[1] = sizeMagicLo
	binary.BigEndian.PutUint32(sizeHeader[2:], uint32(len(data)))
	if err := ch.Send(sizeHeader); err != nil {
		return ioErr("send file size header", err)
	}

	for off := 0; off < len(data); off += MaxMessage {
		end := off + MaxMessage
		if end > len(data) {
			end = len(data)
		}
		if err := ch.Send(data[off:end]); err != nil {
			return ioErr("send file chunk", err)
		}
	}
	// A zero-length file still sends both headers; no data message
	// follows.
	return nil
}

// RecvFile reads one file transfer's headers and data, returning the
// filename and the full reconstructed payload.
func RecvFile(ch Channel) (filename string, data []byte, err error) {
	nameHeader, err := ch.Recv()
	if err != nil {
		return "", nil, ioErr("recv file name header", err)
	}
	if len(nameHeader) != 4 {
		return "", nil, protoErr("file name header is %d bytes, want 4", len(nameHeader))
	}
	if nameHeader[0] != nameMagicHi || nameHeader[1] != nameMagicLo {
		return "", nil, protoErr("bad file name header magic %x", nameHeader[:2])
	}
	nameLen := binary.BigEndian.Uint16(nameHeader[2:])

	nameMsg, err := ch.Recv()
	if err != nil {
		return "", nil, ioErr("recv file name", err)
	}
	if uint16(len(nameMsg)) != nameLen {
		return "", nil, protoErr("file name message is %d bytes, header declared %d", len(nameMsg), nameLen)
	}
	filename = string(nameMsg)

	sizeHeader, err := ch.Recv()
	if err != nil {
		return "", nil, ioErr("recv file size header", err)
	}
	if len(sizeHeader) != 6 {
		return "", nil, protoErr("file size header is %d bytes, want 6", len(sizeHeader))
	}
	if sizeHeader[0] != sizeMagicHi || sizeHeader[1] != sizeMagicLo {
		return "", nil, protoErr("bad file size header magic %x", sizeHeader[:2])
	}
	size := binary.BigEndian.Uint32(sizeHeader[2:])

	data = make([]byte, 0, size)
	for uint32(len(data)) < size {
		msg, err := ch.Recv()
		if err != nil {
			return "", nil, ioErr("recv file chunk", err)
		}
		remaining := size - uint32(len(data))
		if uint32(len(msg)) > remaining {
			return "", nil, protoErr("file declared size %d exceeded by delivered chunk", size)
		}
		data = append(data, msg...)
	}
	return filename, data, nil
}
