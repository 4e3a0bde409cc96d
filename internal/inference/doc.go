// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package inference is the HTTP transport to the remote inference service.
//
// A chat turn is one POST to {base_url}/chat whose response body is an
// event stream. This package builds the request, checks the status and hands
// back the open body; decoding the stream is the job of package stream.
//
// # Key Types
//
//   - Client: Sends ChatRequest values and returns the open Response
//   - ChatRequest: History, ids, flags and the client's public key
//   - TransportError: Non-success status with message and correlation id
//
// # Usage
//
//	client := inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.APIKey)
//	resp, err := client.Stream(ctx, &inference.ChatRequest{Model: "veil-large"})
//	if err != nil {
//	    var te *inference.TransportError
//	    if errors.As(err, &te) {
//	        fmt.Println(te.Message, te.CorrelationID)
//	    }
//	    return err
//	}
//	defer resp.Body.Close()
package inference
