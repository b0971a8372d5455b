package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types on the wire. Everything after the length prefix is encrypted.
const (
	frameRequest byte = iota + 1
	frameResponse
	frameNotify
	frameAck
	frameShutdown
)

const (
	// lenPrefixSize is the cleartext length prefix.
	lenPrefixSize = 4
	// headerSize is type(1) + flags(1) + correlation id(16), inside the
	// ciphertext.
	headerSize = 2 + corrIDSize
	corrIDSize = 16
)

// frame is one decoded unit.
type frame struct {
	typ     byte
	flags   byte
	corrID  [corrIDSize]byte
	payload []byte
}

// encodeFrame lays out the plaintext body: header then payload.
func encodeFrame(dst []byte, f frame) []byte {
	dst = append(dst, f.typ, f.flags)
	dst = append(dst, f.corrID[:]...)
	return append(dst, f.payload...)
}

// decodeFrame parses a decrypted body.
func decodeFrame(body []byte) (frame, error) {
	if len(body) < headerSize {
		return frame{}, fmt.Errorf("short frame: %d bytes", len(body))
	}
	f := frame{typ: body[0], flags: body[1]}
	copy(f.corrID[:], body[2:2+corrIDSize])
	f.payload = body[headerSize:]
	return f, nil
}

// writeRecord writes a length-prefixed record.
func writeRecord(w io.Writer, record []byte) error {
	var prefix [lenPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(record)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(record)
	return err
}

// readRecord reads one length-prefixed record, bounded by maxLen.
func readRecord(r io.Reader, maxLen int) ([]byte, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if int(n) > maxLen {
		return nil, fmt.Errorf("record of %d bytes exceeds limit %d", n, maxLen)
	}
	record := make([]byte, n)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, err
	}
	return record, nil
}
