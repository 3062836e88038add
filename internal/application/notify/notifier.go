package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eventrelay/internal/config"
	"eventrelay/internal/contracts/event"
	"eventrelay/internal/infrastructure/messaging/redisstream"
	"eventrelay/internal/infrastructure/redis"
	"eventrelay/internal/logger"
	"eventrelay/internal/metrics"
)

// Notifier runs one consumer per topic inside a shared consumer group and
// fans events out to registered sessions. Acks happen only after dispatch
// to every recipient completed, so a crash mid-dispatch leaves the message
// pending for the idle-claim sweep.
type Notifier struct {
	client   *redis.Client
	reg      *Registry
	scfg     config.SessionConfig
	ncfg     config.NotifierConfig
	consumer string
	log      zerolog.Logger
	wg       sync.WaitGroup
}

func NewNotifier(client *redis.Client, reg *Registry, scfg config.SessionConfig, ncfg config.NotifierConfig, consumerName string) *Notifier {
	return &Notifier{
		client:   client,
		reg:      reg,
		scfg:     scfg,
		ncfg:     ncfg,
		consumer: consumerName,
		log:      logger.Logger.With().Str("component", "notifier").Logger(),
	}
}

// Start ensures every topic's consumer group exists, then spawns one consume
// loop and one idle-claim loop per topic. Blocks only until the loops are
// launched; Wait blocks until they exit.
func (n *Notifier) Start(ctx context.Context, topics []redisstream.TopicConfig) error {
	for _, tc := range topics {
		if err := n.client.EnsureGroup(ctx, tc.Name.Key(), tc.ConsumerGroup); err != nil {
			return err
		}
	}

	for _, tc := range topics {
		tc := tc
		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			n.consumeLoop(ctx, tc)
		}()
		go func() {
			defer n.wg.Done()
			n.claimLoop(ctx, tc)
		}()
	}

	n.log.Info().Int("topics", len(topics)).Str("consumer", n.consumer).Msg("notifier started")
	return nil
}

// Wait blocks until all topic loops have exited.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) consumeLoop(ctx context.Context, tc redisstream.TopicConfig) {
	key := tc.Name.Key()
	log := n.log.With().Str("topic", string(tc.Name)).Logger()
	sem := make(chan struct{}, tc.BatchCount)

	for {
		if ctx.Err() != nil {
			log.Info().Msg("consumer stopped")
			return
		}

		msgs, err := n.client.ReadGroup(ctx, key, tc.ConsumerGroup, n.consumer, int64(tc.BatchCount), tc.Block)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("consumer stopped")
				return
			}
			log.Error().Err(err).Msg("stream read failed")
			// Short pause keeps a broken stream from spinning the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			n.handleMessage(ctx, tc, msg, sem, log)
		}
	}
}

// handleMessage dispatches one stream message to every recipient and acks it
// once dispatch finished. Malformed messages are acked immediately; a
// redelivery would fail the same way.
func (n *Notifier) handleMessage(ctx context.Context, tc redisstream.TopicConfig, msg redis.Message, sem chan struct{}, log zerolog.Logger) {
	key := tc.Name.Key()

	env, err := event.FromStreamFields(msg.Fields)
	if err != nil {
		log.Warn().Str("message_id", msg.ID).Err(err).Msg("malformed stream message, acking")
		n.ack(ctx, key, tc.ConsumerGroup, msg.ID, log)
		return
	}

	recipients := n.reg.SelectRecipients(env.TenantID, env.UserID, env.EventType)
	if len(recipients) == 0 {
		n.ack(ctx, key, tc.ConsumerGroup, msg.ID, log)
		return
	}

	data, err := env.ExternalData()
	if err != nil {
		log.Warn().Str("message_id", msg.ID).Err(err).Msg("unserializable event, acking")
		n.ack(ctx, key, tc.ConsumerGroup, msg.ID, log)
		return
	}
	frame := EventFrame(env.EventType, data)

	var wg sync.WaitGroup
	for _, s := range recipients {
		s := s
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			n.dispatch(s, frame, log)
		}()
	}
	wg.Wait()

	n.ack(ctx, key, tc.ConsumerGroup, msg.ID, log)
}

// dispatch writes one frame to one session. An oversized frame marks the
// session unhealthy and drops it; a write failure counts against the
// session's heartbeat budget.
func (n *Notifier) dispatch(s *Session, frame Frame, log zerolog.Logger) {
	if frame.Size() > n.scfg.MaxFrameBytes {
		log.Warn().
			Str("session_id", s.ID).
			Int("frame_bytes", frame.Size()).
			Int("max_frame_bytes", n.scfg.MaxFrameBytes).
			Msg("frame over budget, dropping session")
		metrics.FramesFailedTotal.WithLabelValues(s.Transport, "oversize").Inc()
		n.drop(s, "frame size limit exceeded")
		return
	}

	if err := s.sender.WriteFrame(frame); err != nil {
		metrics.FramesFailedTotal.WithLabelValues(s.Transport, "write").Inc()
		if missed := n.reg.MissHeartbeat(s.ID); missed >= 3 {
			log.Warn().Str("session_id", s.ID).Int("missed", missed).Msg("session unresponsive, dropping")
			n.drop(s, "unresponsive")
		}
		return
	}

	metrics.FramesSentTotal.WithLabelValues(s.Transport).Inc()
	n.reg.Touch(s.ID)
}

func (n *Notifier) drop(s *Session, reason string) {
	n.reg.MarkUnhealthy(s.ID)
	n.reg.Remove(s.ID)
	s.sender.Close(reason)
}

func (n *Notifier) ack(ctx context.Context, key, group, id string, log zerolog.Logger) {
	if err := n.client.Ack(ctx, key, group, id); err != nil && ctx.Err() == nil {
		log.Error().Str("message_id", id).Err(err).Msg("ack failed")
	}
}

// claimLoop periodically takes over pending messages that another consumer
// read but never acked, recovering from notifier crashes mid-dispatch.
func (n *Notifier) claimLoop(ctx context.Context, tc redisstream.TopicConfig) {
	key := tc.Name.Key()
	log := n.log.With().Str("topic", string(tc.Name)).Logger()
	sem := make(chan struct{}, tc.BatchCount)

	t := time.NewTicker(n.ncfg.ClaimInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			msgs, err := n.client.ClaimIdle(ctx, key, tc.ConsumerGroup, n.consumer, n.ncfg.ClaimMinIdle, int64(tc.BatchCount))
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("idle claim failed")
				}
				continue
			}
			if len(msgs) > 0 {
				log.Info().Int("count", len(msgs)).Msg("claimed stuck messages")
			}
			for _, msg := range msgs {
				n.handleMessage(ctx, tc, msg, sem, log)
			}
		}
	}
}
