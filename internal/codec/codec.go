// Package codec provides a reversible mapping between raw byte buffers and a
// transport-safe text encoding. Buffers are processed in fixed-size chunks so
// that a single call never has to hold more than one chunk of intermediate
// encoding state, regardless of input size.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformed = errors.New("malformed encoded payload")

// DecodeError reports where in the encoded text decoding failed.
type DecodeError struct {
	Offset int64
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed encoded payload at offset %d", e.Offset)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

// chunkSize is the largest multiple of the base64 input quantum (3 bytes)
// that fits in 8 KiB. Quantum alignment keeps chunk boundaries free of
// padding so concatenated chunk encodings decode as one stream.
const chunkSize = 8190

// Encode converts raw bytes into transport-safe text. The input is encoded
// chunk by chunk; the result is identical to encoding the whole buffer at
// once because chunkSize is a multiple of the base64 quantum.
func Encode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	enc := base64.StdEncoding
	var sb strings.Builder
	sb.Grow(enc.EncodedLen(len(raw)))
	buf := make([]byte, enc.EncodedLen(chunkSize))
	for offset := 0; offset < len(raw); offset += chunkSize {
		end := offset + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[offset:end]
		out := buf[:enc.EncodedLen(len(chunk))]
		enc.Encode(out, chunk)
		sb.Write(out)
	}
	return sb.String()
}

// Decode is the inverse of Encode. It fails with an error matching
// ErrMalformed when the text is not valid output of Encode.
func Decode(text string) ([]byte, error) {
	if text == "" {
		return []byte{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return nil, &DecodeError{Offset: int64(corrupt)}
		}
		return nil, ErrMalformed
	}
	return raw, nil
}
