package knx

import (
	"encoding/binary"
	"fmt"
)

// knxd protocol message types.
const (
	// EIBOpenGroupCon opens a group socket that can talk to any group
	// address and forwards writes to the bus.
	EIBOpenGroupCon uint16 = 0x0026

	// EIBGroupPacket carries one group telegram in either direction.
	EIBGroupPacket uint16 = 0x0027
)

// APCI codes for group communication.
const (
	APCIRead     byte = 0x00
	APCIResponse byte = 0x40
	APCIWrite    byte = 0x80
)

const (
	// knxdHeaderSize is size(2) + type(2).
	knxdHeaderSize = 4

	// groupPacketMinRx is src(2) + GA(2) + TPCI(1) + APCI(1).
	groupPacketMinRx = 6

	// shortDataMax is the largest value carried inside the APCI byte.
	shortDataMax = 0x3F
)

// Telegram is one KNX group telegram.
type Telegram struct {
	// Source is the sender's individual address ("1.1.5"). Only set on
	// received telegrams.
	Source      string
	Destination GroupAddress
	APCI        byte
	Data        []byte
}

// NewWriteTelegram creates a group write of data to dest.
func NewWriteTelegram(dest GroupAddress, data []byte) Telegram {
	return Telegram{Destination: dest, APCI: APCIWrite, Data: data}
}

// Encode renders the telegram for an EIB_GROUP_PACKET on a GROUPCON socket:
//
//	Byte 0-1: destination group address
//	Byte 2:   TPCI (0x00)
//	Byte 3:   APCI, with the value in the low 6 bits for short data
//	Byte 4+:  data for long frames
func (t Telegram) Encode() []byte {
	short := len(t.Data) == 1 && t.Data[0] <= shortDataMax

	if len(t.Data) == 0 || short {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], t.Destination.ToUint16())
		buf[3] = t.APCI
		if short {
			buf[3] |= t.Data[0] & shortDataMax
		}
		return buf
	}

	buf := make([]byte, 4+len(t.Data))
	binary.BigEndian.PutUint16(buf[0:2], t.Destination.ToUint16())
	buf[3] = t.APCI
	copy(buf[4:], t.Data)
	return buf
}

// ParseTelegram parses a received group packet. The receive format carries
// the source address in front, which the send format does not:
//
//	Byte 0-1: source individual address
//	Byte 2-3: destination group address
//	Byte 4:   TPCI
//	Byte 5:   APCI | short data
//	Byte 6+:  long data
func ParseTelegram(data []byte) (Telegram, error) {
	if len(data) < groupPacketMinRx {
		return Telegram{}, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidTelegram, len(data))
	}

	src := binary.BigEndian.Uint16(data[0:2])
	t := Telegram{
		Source:      fmt.Sprintf("%d.%d.%d", (src>>12)&0x0F, (src>>8)&0x0F, src&0xFF),
		Destination: GroupAddressFromUint16(binary.BigEndian.Uint16(data[2:4])),
		APCI:        data[5] & 0xC0,
	}

	switch {
	case len(data) > groupPacketMinRx:
		t.Data = append([]byte(nil), data[groupPacketMinRx:]...)
	case t.APCI == APCIWrite || t.APCI == APCIResponse:
		t.Data = []byte{data[5] & shortDataMax}
	}
	return t, nil
}

// EncodeKNXDMessage frames payload for the knxd socket. The size field
// counts type + payload, not itself.
func EncodeKNXDMessage(msgType uint16, payload []byte) []byte {
	buf := make([]byte, knxdHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(2+len(payload))) //nolint:gosec // bounded by small message sizes
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	copy(buf[4:], payload)
	return buf
}

// ParseKNXDMessage splits one complete knxd frame.
func ParseKNXDMessage(data []byte) (msgType uint16, payload []byte, err error) {
	if len(data) < knxdHeaderSize {
		return 0, nil, fmt.Errorf("%w: message too short (%d bytes)", ErrInvalidTelegram, len(data))
	}

	declared := binary.BigEndian.Uint16(data[0:2])
	if int(declared) != len(data)-2 {
		return 0, nil, fmt.Errorf("%w: size mismatch (declared %d, have %d)", ErrInvalidTelegram, declared, len(data)-2)
	}

	msgType = binary.BigEndian.Uint16(data[2:4])
	if len(data) > knxdHeaderSize {
		payload = data[knxdHeaderSize:]
	}
	return msgType, payload, nil
}
