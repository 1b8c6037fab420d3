// Copyright 2025 Tom Barlow
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

// Package report provides the pull-and-acknowledge interface over the
// message bus carrying pipeline completion reports. Delivery is
// at-least-once; consumers must tolerate duplicates.
package report

import "context"

// Message is one raw completion report pulled from the bus. AckID is the
// handle used to acknowledge it once applied.
type Message struct {
	AckID string
	Data  []byte
}

// Source pulls completion reports from the bus. A message that is never
// acknowledged is redelivered.
type Source interface {
	// Pull fetches at most one message. Returns (nil, nil) when no message
	// is available.
	Pull(ctx context.Context) (*Message, error)

	// Ack acknowledges a message so it is not redelivered.
	Ack(ctx context.Context, ackID string) error

	// Validate checks that the configured topic and subscription exist.
	Validate(ctx context.Context) error

	// Close releases the bus connection.
	Close() error
}
