// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stomp

import (
	"errors"
	"fmt"
)

// Terminator ends every frame on the wire.
const Terminator byte = 0x00

// DefaultMaxFrameSize bounds a single frame when no limit is configured.
const DefaultMaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned by the Decoder when a frame grows past its
// limit before a terminator is seen.
var ErrFrameTooLarge = errors.New("frame too large")

// Decoder accumulates raw bytes of one connection until a NUL terminator
// arrives. It does no work between calls and shares nothing with other
// decoders; each connection owns one. Bytes are kept raw and only turned into
// text at flush time, so multi-byte characters may straddle deliveries.
type Decoder struct {
	buf   []byte
	limit int
}

// NewDecoder creates a decoder that rejects frames longer than limit bytes.
// A limit <= 0 disables the check.
func NewDecoder(limit int) *Decoder {
	return &Decoder{limit: limit}
}

// DecodeNextByte feeds one byte. It returns the completed frame text and true
// when b is the terminator; otherwise "" and false. Once the buffered frame
// exceeds the limit the buffer is discarded and ErrFrameTooLarge returned.
func (d *Decoder) DecodeNextByte(b byte) (string, bool, error) {
	if b == Terminator {
		text := string(d.buf)
		d.buf = d.buf[:0]
		return text, true, nil
	}
	if d.limit > 0 && len(d.buf) >= d.limit {
		d.buf = d.buf[:0]
		return "", false, fmt.Errorf("%w: limit is %d bytes", ErrFrameTooLarge, d.limit)
	}
	d.buf = append(d.buf, b)
	return "", false, nil
}

// EncodeText terminates frame text for the wire.
func EncodeText(text string) []byte {
	out := make([]byte, 0, len(text)+1)
	out = append(out, text...)
	return append(out, Terminator)
}

// Encode serializes a frame: command line, header lines, a blank line, the
// body and the terminator.
func Encode(f *Frame) []byte {
	return EncodeText(f.String())
}
