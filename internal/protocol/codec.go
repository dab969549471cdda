package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// binaryVersion is the current binary frame layout version.
const binaryVersion = 1

// EncodeText serializes a message as a JSON text frame.
func EncodeText(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeText parses a JSON text frame.
func DecodeText(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}

// EncodeBinary serializes a message as a length-prefixed binary frame:
//
//	[1]version [1]priority [8]timestamp
//	[2]len id [2]len type [2]len channel (each followed by bytes)
//	[4]len payload, payload bytes
//
// All integers big-endian.
func EncodeBinary(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(binaryVersion)
	buf.WriteByte(priorityByte(m.Priority))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp))
	buf.Write(ts[:])

	for _, field := range []string{m.ID, m.Type, m.Channel} {
		if len(field) > 0xFFFF {
			return nil, fmt.Errorf("%w: field too long", ErrMalformedFrame)
		}
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(field)))
		buf.Write(n[:])
		buf.WriteString(field)
	}

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(m.Payload)))
	buf.Write(n[:])
	buf.Write(m.Payload)

	return buf.Bytes(), nil
}

// DecodeBinary parses a binary frame produced by EncodeBinary.
func DecodeBinary(data []byte) (Message, error) {
	if len(data) < 10 {
		return Message{}, fmt.Errorf("%w: short frame", ErrMalformedFrame)
	}
	if data[0] != binaryVersion {
		return Message{}, ErrBinaryVersion
	}

	m := Message{
		Priority:  bytePriority(data[1]),
		Timestamp: int64(binary.BigEndian.Uint64(data[2:10])),
	}
	rest := data[10:]

	var err error
	if m.ID, rest, err = readString(rest); err != nil {
		return Message{}, err
	}
	if m.Type, rest, err = readString(rest); err != nil {
		return Message{}, err
	}
	if m.Channel, rest, err = readString(rest); err != nil {
		return Message{}, err
	}

	if len(rest) < 4 {
		return Message{}, fmt.Errorf("%w: truncated payload length", ErrMalformedFrame)
	}
	plen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if len(rest) < int(plen) {
		return Message{}, fmt.Errorf("%w: truncated payload", ErrMalformedFrame)
	}
	if plen > 0 {
		m.Payload = json.RawMessage(rest[:plen])
	}

	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("%w: truncated field length", ErrMalformedFrame)
	}
	n := binary.BigEndian.Uint16(data[:2])
	data = data[2:]
	if len(data) < int(n) {
		return "", nil, fmt.Errorf("%w: truncated field", ErrMalformedFrame)
	}
	return string(data[:n]), data[n:], nil
}

func priorityByte(p Priority) byte {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	}
	return 1
}

func bytePriority(b byte) Priority {
	switch b {
	case 0:
		return PriorityLow
	case 2:
		return PriorityHigh
	}
	return PriorityNormal
}
