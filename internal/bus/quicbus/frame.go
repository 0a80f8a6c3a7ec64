package quicbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxStreamMessage bounds one length-prefixed stream message (64 MB).
	maxStreamMessage = 64 << 20

	// lengthPrefixSize is the size of the stream length prefix.
	lengthPrefixSize = 4

	// maxDestinationLen bounds a destination name.
	maxDestinationLen = 1<<16 - 1
)

// frameType identifies a broker frame.
type frameType uint8

const (
	frameSubscribe   frameType = 0x01 // frameSubscribe registers interest in a destination
	frameUnsubscribe frameType = 0x02 // frameUnsubscribe removes interest in a destination
	framePublish     frameType = 0x03 // framePublish asks the broker to fan out a payload
	frameDeliver     frameType = 0x04 // frameDeliver carries a payload to a subscriber
)

// ackOK is the broker's reply to an accepted subscribe or unsubscribe request.
var ackOK = []byte{0x00}

// encodeFrame builds a broker frame.
// Format: [1B type] [2B destination length] [destination] [payload]
func encodeFrame(t frameType, destination string, payload []byte) ([]byte, error) {
	if len(destination) > maxDestinationLen {
		return nil, fmt.Errorf("destination too long: %d", len(destination))
	}

	buf := make([]byte, 3+len(destination)+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(destination)))
	copy(buf[3:], destination)
	copy(buf[3+len(destination):], payload)

	return buf, nil
}

// decodeFrame splits a broker frame. The payload aliases data.
func decodeFrame(data []byte) (frameType, string, []byte, error) {
	if len(data) < 3 {
		return 0, "", nil, fmt.Errorf("frame too short: %d", len(data))
	}

	n := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < 3+n {
		return 0, "", nil, fmt.Errorf("truncated destination: need %d, have %d", n, len(data)-3)
	}

	return frameType(data[0]), string(data[3 : 3+n]), data[3+n:], nil
}

// writeMessage writes a length-prefixed message.
// Format: [4B big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxStreamMessage {
		return fmt.Errorf("message too large: %d > %d", len(data), maxStreamMessage)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message.
func readMessage(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxStreamMessage {
		return nil, fmt.Errorf("message too large: %d > %d", n, maxStreamMessage)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
