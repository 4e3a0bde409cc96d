// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/veilchat/internal/model"
)

// MaxFrameSize bounds the bytes buffered for a single unterminated frame.
const MaxFrameSize = 1 << 20

var frameSeparator = []byte("\n\n")

// =============================================================================
// DEMULTIPLEXER
// =============================================================================

// Demultiplexer turns an arbitrarily chunked event stream into frames.
//
// Push is called once per network delivery. Bytes that do not yet complete
// a frame are kept until the next call, so a frame may be split anywhere,
// including inside a multi-byte UTF-8 sequence. A frame whose body does not
// parse is dropped and reported to the drop handler; later frames are
// unaffected.
//
// A Demultiplexer belongs to one stream and is not safe for concurrent use.
type Demultiplexer struct {
	buf     []byte
	dropped int
	onDrop  func(*ParseError)
}

// DemuxOption configures a Demultiplexer.
type DemuxOption func(*Demultiplexer)

// WithDropHandler registers fn to be called for every dropped frame.
func WithDropHandler(fn func(*ParseError)) DemuxOption {
	return func(d *Demultiplexer) {
		d.onDrop = fn
	}
}

// NewDemultiplexer creates an empty demultiplexer.
func NewDemultiplexer(opts ...DemuxOption) *Demultiplexer {
	d := &Demultiplexer{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Push appends one delivery to the buffer and returns every frame it
// completed, in stream order.
func (d *Demultiplexer) Push(p []byte) []Frame {
	for _, b := range p {
		if b != '\r' {
			d.buf = append(d.buf, b)
		}
	}

	var frames []Frame
	for {
		idx := bytes.Index(d.buf, frameSeparator)
		if idx < 0 {
			break
		}
		segment := d.buf[:idx]
		d.buf = d.buf[idx+len(frameSeparator):]
		frames = d.appendSegment(frames, segment)
	}

	if len(d.buf) > MaxFrameSize {
		d.drop(&ParseError{Err: fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)})
		d.buf = nil
	}

	// Compact so the backing array does not grow with the stream.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return frames
}

// Flush parses whatever remains in the buffer as a final frame. It is
// called once when the body ends.
func (d *Demultiplexer) Flush() []Frame {
	rest := d.buf
	d.buf = nil
	if len(bytes.TrimSpace(rest)) == 0 {
		return nil
	}
	return d.appendSegment(nil, rest)
}

// Buffered returns the number of bytes waiting for a frame separator.
func (d *Demultiplexer) Buffered() int {
	return len(d.buf)
}

// Dropped returns the number of malformed frames skipped so far.
func (d *Demultiplexer) Dropped() int {
	return d.dropped
}

func (d *Demultiplexer) appendSegment(frames []Frame, segment []byte) []Frame {
	f, err := ParseSegment(string(segment))
	if err != nil {
		var pe *ParseError
		if !errors.As(err, &pe) {
			pe = &ParseError{Err: err}
		}
		d.drop(pe)
		return frames
	}
	if f == nil {
		return frames
	}
	return append(frames, f)
}

func (d *Demultiplexer) drop(pe *ParseError) {
	d.dropped++
	if d.onDrop != nil {
		d.onDrop(pe)
	}
}

// =============================================================================
// SEGMENT PARSING
// =============================================================================

// ParseSegment parses one blank-line-delimited segment. It returns a nil
// frame and nil error for segments that carry no event.
func ParseSegment(segment string) (Frame, error) {
	event := EventData
	var dataLines []string
	hasEvent := false

	for _, line := range strings.Split(segment, "\n") {
		line = strings.TrimRight(line, " \t")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, ":"):
			// Comment line.
			continue
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
			hasEvent = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
		// Other fields (id:, retry:) are ignored.
	}

	if event == "" {
		event = EventData
	}
	if len(dataLines) == 0 {
		if hasEvent && event == EventStreamComplete {
			return StreamCompleteFrame{}, nil
		}
		return nil, nil
	}

	data := strings.Join(dataLines, "\n")
	f, err := decodeFrame(event, data)
	if err != nil {
		return nil, &ParseError{Event: event, Data: data, Err: err}
	}
	return f, nil
}

func decodeFrame(event, data string) (Frame, error) {
	if data == DoneSentinel {
		return DoneFrame{}, nil
	}

	switch event {
	case EventData:
		return decodeData(data)
	case EventReasoning:
		var p struct {
			Reasoning *string `json:"reasoning"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		if p.Reasoning == nil {
			return nil, errors.New("missing reasoning")
		}
		return ReasoningFrame{Reasoning: *p.Reasoning}, nil

	case EventStep:
		var p struct {
			Step *model.Step `json:"step"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		if p.Step == nil {
			return nil, errors.New("missing step")
		}
		step, err := p.Step.Normalize()
		if err != nil {
			return nil, err
		}
		return StepFrame{Step: step}, nil

	case EventChatTitle:
		var p struct {
			EncryptedTitle  string `json:"encrypted_title"`
			IV              string `json:"iv"`
			EncapsulatedKey string `json:"encapsulated_key"`
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		if p.EncryptedTitle == "" || p.IV == "" || p.EncapsulatedKey == "" {
			return nil, errors.New("incomplete title envelope")
		}
		var f TitleFrame
		var err error
		if f.EncryptedTitle, err = decodeBase64(p.EncryptedTitle); err != nil {
			return nil, fmt.Errorf("encrypted_title: %w", err)
		}
		if f.IV, err = decodeBase64(p.IV); err != nil {
			return nil, fmt.Errorf("iv: %w", err)
		}
		if f.EncapsulatedKey, err = decodeBase64(p.EncapsulatedKey); err != nil {
			return nil, fmt.Errorf("encapsulated_key: %w", err)
		}
		return f, nil

	case EventMetrics:
		var m model.Metrics
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		return MetricsFrame{Metrics: m}, nil

	case EventStreamComplete:
		return StreamCompleteFrame{}, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", event)
	}
}

// dataPayload covers every schema that may arrive on the default event.
type dataPayload struct {
	Content          *string   `json:"content"`
	EncryptedContent *string   `json:"encrypted_content"`
	IV               string    `json:"iv"`
	EncapsulatedKey  string    `json:"encapsulated_key"`
	Suggestions      *[]string `json:"suggestions"`
	Message          *string   `json:"message"`
}

func decodeData(data string) (Frame, error) {
	var p dataPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}

	switch {
	case p.EncryptedContent != nil:
		if p.IV == "" {
			return nil, errors.New("encrypted content without iv")
		}
		var f EncryptedContentFrame
		var err error
		if f.Ciphertext, err = decodeBase64(*p.EncryptedContent); err != nil {
			return nil, fmt.Errorf("encrypted_content: %w", err)
		}
		if f.IV, err = decodeBase64(p.IV); err != nil {
			return nil, fmt.Errorf("iv: %w", err)
		}
		if p.EncapsulatedKey != "" {
			if f.EncapsulatedKey, err = decodeBase64(p.EncapsulatedKey); err != nil {
				return nil, fmt.Errorf("encapsulated_key: %w", err)
			}
		}
		return f, nil

	case p.Content != nil:
		return ContentFrame{Content: *p.Content}, nil

	case p.Suggestions != nil:
		return SuggestionsFrame{Suggestions: *p.Suggestions}, nil

	case p.Message != nil:
		return ServerErrorFrame{Message: *p.Message}, nil

	default:
		return nil, errors.New("no known field in data payload")
	}
}

// decodeBase64 accepts standard base64 with or without padding.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
