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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func feed(t *testing.T, d *Decoder, data []byte) []string {
	t.Helper()
	var frames []string
	for _, b := range data {
		text, ok, err := d.DecodeNextByte(b)
		require.NoError(t, err)
		if ok {
			frames = append(frames, text)
		}
	}
	return frames
}

func TestDecoder_RoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"command only", "DISCONNECT\nreceipt:77\n\n"},
		{"embedded newlines", "SEND\ndestination:/topic/a\n\nline one\nline two\n\nline four"},
		{"non-ascii body", "SEND\ndestination:/topic/ü\n\nhéllo wörld ✓ 日本語"},
		{"colon in value", "SEND\ndestination:/topic/a\nx-note:a:b:c\n\nhi"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDecoder(0)
			frames := feed(t, d, EncodeText(tc.text))
			require.Len(t, frames, 1)
			assert.Equal(t, tc.text, frames[0])
		})
	}
}

func TestDecoder_BackToBackFrames(t *testing.T) {
	d := NewDecoder(0)
	var stream []byte
	stream = append(stream, EncodeText("CONNECT\nlogin:a\n\n")...)
	stream = append(stream, EncodeText("SEND\ndestination:/q\n\nbody")...)
	stream = append(stream, []byte("SUBSC")...)

	frames := feed(t, d, stream)
	require.Len(t, frames, 2)
	assert.Equal(t, "CONNECT\nlogin:a\n\n", frames[0])
	assert.Equal(t, "SEND\ndestination:/q\n\nbody", frames[1])

	frames = feed(t, d, []byte("RIBE\nid:1\n\n\x00"))
	require.Len(t, frames, 1)
	assert.Equal(t, "SUBSCRIBE\nid:1\n\n", frames[0])
}

func TestDecoder_SplitMultibyteRune(t *testing.T) {
	d := NewDecoder(0)
	encoded := EncodeText("SEND\n\n€")
	// Deliver every byte separately; the 3-byte euro sign straddles calls.
	var got []string
	for i := range encoded {
		text, ok, err := d.DecodeNextByte(encoded[i])
		require.NoError(t, err)
		if ok {
			got = append(got, text)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, "SEND\n\n€", got[0])
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	d := NewDecoder(8)
	var err error
	for _, b := range []byte("SEND\n\n0123456789") {
		if _, _, err = d.DecodeNextByte(b); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	// The partial frame is discarded; a fresh frame decodes cleanly.
	frames := feed(t, d, EncodeText("ACK\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "ACK\n\n", frames[0])
}

func TestEncode(t *testing.T) {
	f := NewFrame(CommandMessage, "hi",
		HeaderSubscription, "s1",
		HeaderMessageID, "7",
		HeaderDestination, "/topic/a",
	)
	assert.Equal(t,
		[]byte("MESSAGE\nsubscription:s1\nmessage-id:7\ndestination:/topic/a\n\nhi\x00"),
		Encode(f))
}
