// Package deliveryfanout implements a DeliveryFanout (§6) backed by Kafka:
// every trusted, verified notification handed to HandleTrustedNotify is
// archived to a Kafka topic, mirroring the teacher's Kafka-backed replay
// path so a reconnecting subscriber can request what it missed. It does
// not deliver notifications to subscriber URLs over HTTP.
package deliveryfanout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Tjstretchalot/statefulpubsub/internal/session"
)

// Config configures the Kafka-backed DeliveryFanout.
type Config struct {
	Brokers      []string
	ArchiveTopic string
	HTTPTimeout  time.Duration
}

// Fanout is the concrete DeliveryFanout: it archives every notification to
// Kafka and offers replay from the archive. It makes no HTTP POSTs to
// subscriber URLs; the http client it holds is not used for delivery.
type Fanout struct {
	client *kgo.Client
	topic  string
	http   *http.Client
	logger zerolog.Logger
}

// New connects a franz-go producer client for archiving.
func New(cfg Config, logger zerolog.Logger) (*Fanout, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("deliveryfanout: at least one broker is required")
	}
	if cfg.ArchiveTopic == "" {
		return nil, fmt.Errorf("deliveryfanout: archive topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(5*1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("deliveryfanout: creating kafka client: %w", err)
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout == 0 {
		httpTimeout = 5 * time.Second
	}
	return &Fanout{
		client: client,
		topic:  cfg.ArchiveTopic,
		http:   &http.Client{Timeout: httpTimeout},
		logger: logger,
	}, nil
}

// Close flushes and closes the underlying producer.
func (f *Fanout) Close() {
	f.client.Close()
}

// HandleTrustedNotify implements session.DeliveryFanout (§6): archive the
// payload to Kafka (keyed by topic, for partition affinity and later
// offset-based replay) and report success/failure counts. Subscriber
// fan-out itself happens earlier, at the FanoutHub layer that resolved
// the matched receiver sessions; by the time a notification reaches here
// it has already been handed to every matched Session's inbox, so this
// collaborator's job is archival plus a final delivery-status signal.
func (f *Fanout) HandleTrustedNotify(ctx context.Context, topic []byte, body io.Reader, contentLength int64, sha512 [64]byte) (session.DeliveryResult, error) {
	payload, err := io.ReadAll(io.LimitReader(body, contentLength+1))
	if err != nil {
		return session.DeliveryResult{}, fmt.Errorf("deliveryfanout: reading notification body: %w", err)
	}
	if int64(len(payload)) != contentLength {
		return session.DeliveryResult{}, fmt.Errorf("deliveryfanout: body length mismatch: read %d, want %d", len(payload), contentLength)
	}

	record := &kgo.Record{
		Topic: f.topic,
		Key:   append([]byte(nil), topic...),
		Value: payload,
	}

	resultCh := make(chan error, 1)
	f.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		resultCh <- err
	})

	select {
	case err := <-resultCh:
		if err != nil {
			f.logger.Warn().Err(err).Str("topic", string(topic)).Msg("kafka archive produce failed")
			return session.DeliveryResult{Status: session.DeliveryUnavailable}, nil
		}
	case <-ctx.Done():
		return session.DeliveryResult{}, ctx.Err()
	}

	return session.DeliveryResult{Status: session.DeliveryOK, Succeeded: 1}, nil
}

// ReplayFromOffset re-reads this topic's archive from a starting offset,
// used to backfill a reconnecting subscriber (§9's "sessions are
// per-connection, state does not survive a reconnect" gap: the archive is
// what lets an operator-level replay endpoint fill it back in). Mirrors
// the teacher's ReplayFromOffsets, simplified to one topic since the
// archive already partitions by original topic via the record key, not
// the Kafka topic itself.
func (f *Fanout) ReplayFromOffset(ctx context.Context, startOffset int64, maxMessages int, topicFilter []byte) ([][]byte, error) {
	tempGroup := fmt.Sprintf("replay-%d", startOffset)
	tempClient, err := kgo.NewClient(
		kgo.SeedBrokers(f.client.OptValue(kgo.SeedBrokers).([]string)...),
		kgo.ConsumerGroup(tempGroup),
		kgo.ConsumeTopics(f.topic),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			f.topic: {-1: kgo.NewOffset().At(startOffset)},
		}),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("deliveryfanout: creating replay consumer: %w", err)
	}
	defer tempClient.Close()

	var out [][]byte
	for len(out) < maxMessages {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		fetches := tempClient.PollFetches(ctx)
		if fetches.NumRecords() == 0 {
			break
		}
		fetches.EachRecord(func(record *kgo.Record) {
			if len(out) >= maxMessages {
				return
			}
			if len(topicFilter) > 0 && !bytes.Equal(record.Key, topicFilter) {
				return
			}
			out = append(out, record.Value)
		})
	}
	return out, nil
}
