package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// The envelope encoding is msgpack. Message-oriented transports (websocket)
// carry one encoded envelope per transport message. Stream transports use the
// length-delimited helpers below.

// MaxFrameByteCount bounds a single delimited frame on a stream transport.
const MaxFrameByteCount = 4 * 1024 * 1024

func EncodeClientMessage(message *ClientToServerMessage) ([]byte, error) {
	return msgpack.Marshal(message)
}

func DecodeClientMessage(messageBytes []byte) (*ClientToServerMessage, error) {
	message := &ClientToServerMessage{}
	if err := msgpack.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeServerMessage(message *ServerToClientMessage) ([]byte, error) {
	return msgpack.Marshal(message)
}

func DecodeServerMessage(messageBytes []byte) (*ServerToClientMessage, error) {
	message := &ServerToClientMessage{}
	if err := msgpack.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	return message, nil
}

// WriteDelimited writes a u32 big-endian length prefix followed by the frame
// bytes.
func WriteDelimited(w io.Writer, frameBytes []byte) error {
	if MaxFrameByteCount < len(frameBytes) {
		return fmt.Errorf("frame exceeds max size: %d <> %d", len(frameBytes), MaxFrameByteCount)
	}
	header := [4]byte{}
	binary.BigEndian.PutUint32(header[:], uint32(len(frameBytes)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(frameBytes)
	return err
}

// ReadDelimited reads one length-prefixed frame written by WriteDelimited.
func ReadDelimited(r io.Reader) ([]byte, error) {
	header := [4]byte{}
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if MaxFrameByteCount < n {
		return nil, fmt.Errorf("frame exceeds max size: %d <> %d", n, MaxFrameByteCount)
	}
	frameBytes := make([]byte, n)
	if _, err := io.ReadFull(r, frameBytes); err != nil {
		return nil, err
	}
	return frameBytes, nil
}
