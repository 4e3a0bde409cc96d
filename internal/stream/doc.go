// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes the chat response stream.
//
// The response body is a sequence of frames separated by blank lines, each
// with an optional `event:` line and one or more `data:` lines. This package
// turns that byte stream into typed frames, splits reasoning text from
// answer text, and rate-limits visible answer updates.
//
// # Key Types
//
//   - Demultiplexer: Byte stream to Frame values, tolerant of any chunking
//   - Frame: Sealed union of the frame variants (ContentFrame, StepFrame, ...)
//   - Splitter: Separates <think>-style reasoning regions from the answer
//   - Scheduler: Coalesces answer updates to one per refresh interval
//
// # Usage
//
//	demux := stream.NewDemultiplexer()
//	split, _ := stream.NewSplitter()
//	for _, f := range demux.Push(chunk) {
//	    if c, ok := f.(stream.ContentFrame); ok {
//	        delta := split.Push(c.Content)
//	        fmt.Print(delta.Answer)
//	    }
//	}
package stream
