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
	"strings"
	"unicode/utf8"
)

// ErrInvalidUTF8 is returned by Parse when the frame text is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("frame is not valid UTF-8")

// Header is an insertion-ordered set of frame headers. Setting a name that is
// already present overwrites its value in place, so on duplicate names the
// last occurrence wins.
type Header struct {
	names  []string
	values map[string]string
}

// Set stores value under name, replacing any previous value.
func (h *Header) Set(name, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

// Get returns the value stored under name.
func (h *Header) Get(name string) (string, bool) {
	v, ok := h.values[name]
	return v, ok
}

// Value returns the value stored under name, or "" if absent.
func (h *Header) Value(name string) string {
	return h.values[name]
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	_, ok := h.values[name]
	return ok
}

// Len returns the number of distinct header names.
func (h *Header) Len() int {
	return len(h.names)
}

// Names returns the header names in first-seen order.
func (h *Header) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Frame is one complete protocol message.
type Frame struct {
	Command Command
	// Name is the command line exactly as received. For frames built by the
	// broker it equals Command.String().
	Name   string
	Header Header
	Body   string
}

// NewFrame builds an outbound frame. kv is a flat list of header name/value
// pairs; a trailing unpaired name is ignored.
func NewFrame(cmd Command, body string, kv ...string) *Frame {
	f := &Frame{Command: cmd, Name: cmd.String(), Body: body}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header.Set(kv[i], kv[i+1])
	}
	return f
}

// Missing returns the required header names absent from the frame, in the
// order they were asked for.
func (f *Frame) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if !f.Header.Has(n) {
			missing = append(missing, n)
		}
	}
	return missing
}

// String renders the frame text without the NUL terminator.
func (f *Frame) String() string {
	var sb strings.Builder
	name := f.Name
	if name == "" {
		name = f.Command.String()
	}
	sb.WriteString(name)
	sb.WriteByte('\n')
	for _, n := range f.Header.names {
		sb.WriteString(n)
		sb.WriteByte(':')
		sb.WriteString(f.Header.values[n])
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(f.Body)
	return sb.String()
}

// Parse splits decoded frame text into command, headers and body. The first
// line is the command; following lines up to the first blank line are headers
// split on the first ':'; everything after the blank line, rejoined with
// newlines and trimmed, is the body. EOLs before the command line (heart-beats)
// are skipped and a trailing '\r' on command and header lines is dropped.
// Header lines without a ':' are ignored.
func Parse(text string) (*Frame, error) {
	if !utf8.ValidString(text) {
		return nil, ErrInvalidUTF8
	}
	text = strings.TrimLeft(text, "\r\n")
	lines := strings.Split(text, "\n")

	f := &Frame{Name: strings.TrimSuffix(lines[0], "\r")}
	f.Command = ParseCommand(f.Name)

	i := 1
	for ; i < len(lines); i++ {
		line := strings.TrimSuffix(lines[i], "\r")
		if line == "" {
			i++
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f.Header.Set(name, value)
	}
	if i < len(lines) {
		f.Body = strings.TrimSpace(strings.Join(lines[i:], "\n"))
	}
	return f, nil
}
