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

package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/helixbio/pipelined/internal/config"
)

// payloadField is the stream entry field carrying the report body.
const payloadField = "data"

// RedisSource pulls completion reports from a Redis stream through a
// consumer group. The stream is the report topic; the group is the
// subscription. Unacknowledged entries stay pending and are redelivered.
type RedisSource struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	logger   *slog.Logger
}

var _ Source = (*RedisSource)(nil)

// NewRedisSource connects to the report bus described by cfg.
func NewRedisSource(cfg config.ReportQueueConfig, logger *slog.Logger) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisSource{
		client:   client,
		stream:   cfg.ReportTopic,
		group:    cfg.ReportSub,
		consumer: "pipelined-" + uuid.New().String()[:8],
		logger:   logger,
	}
}

// Pull fetches at most one report from the stream. Entries this consumer
// received earlier and never acknowledged are returned before new ones.
func (s *RedisSource) Pull(ctx context.Context) (*Message, error) {
	msg, err := s.read(ctx, "0")
	if msg != nil || err != nil {
		return msg, err
	}
	return s.read(ctx, ">")
}

// read fetches one entry starting at start: "0" for this consumer's pending
// entries, ">" for entries never delivered.
func (s *RedisSource) read(ctx context.Context, start string) (*Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, start},
		Count:    1,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pull from report queue: %w", err)
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	entry := res[0].Messages[0]

	payload, _ := entry.Values[payloadField].(string)
	if payload == "" {
		s.logger.Warn("report entry has no payload", slog.String("ack_id", entry.ID))
	}
	return &Message{AckID: entry.ID, Data: []byte(payload)}, nil
}

// Ack acknowledges a report so the bus stops redelivering it.
func (s *RedisSource) Ack(ctx context.Context, ackID string) error {
	if err := s.client.XAck(ctx, s.stream, s.group, ackID).Err(); err != nil {
		return fmt.Errorf("failed to ack report %s: %w", ackID, err)
	}
	return nil
}

// Validate checks that the report topic and its subscription exist.
func (s *RedisSource) Validate(ctx context.Context) error {
	keyType, err := s.client.Type(ctx, s.stream).Result()
	if err != nil {
		return fmt.Errorf("failed to check report topic: %w", err)
	}
	if keyType != "stream" {
		return fmt.Errorf("report topic %q does not exist", s.stream)
	}

	// Reading pending entries probes the group without consuming new ones.
	_, err = s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, "0"},
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if strings.Contains(err.Error(), "NOGROUP") {
			return fmt.Errorf("report subscription %q does not exist", s.group)
		}
		return fmt.Errorf("failed to check report subscription: %w", err)
	}
	return nil
}

// Close releases the bus connection.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
