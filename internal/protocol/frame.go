package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Binary frames carry video. Every frame starts with the raw 16-byte stream
// id so chunks for different viewers can share one desktop connection.
const frameHeaderLen = 16

var ErrShortFrame = errors.New("protocol: binary frame shorter than stream id header")

// EncodeFrame prefixes chunk with the stream id.
func EncodeFrame(streamID string, chunk []byte) ([]byte, error) {
	id, err := uuid.Parse(streamID)
	if err != nil {
		return nil, fmt.Errorf("protocol: bad stream id %q: %w", streamID, err)
	}
	buf := make([]byte, frameHeaderLen+len(chunk))
	copy(buf, id[:])
	copy(buf[frameHeaderLen:], chunk)
	return buf, nil
}

// DecodeFrame splits a binary frame into its stream id and chunk. The
// chunk aliases data.
func DecodeFrame(data []byte) (string, []byte, error) {
	if len(data) < frameHeaderLen {
		return "", nil, ErrShortFrame
	}
	id, err := uuid.FromBytes(data[:frameHeaderLen])
	if err != nil {
		return "", nil, err
	}
	return id.String(), data[frameHeaderLen:], nil
}
