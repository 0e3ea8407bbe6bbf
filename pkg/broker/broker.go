// Package broker implements the broker service: the channel map and the
// operations that create, write into, read from, and expire channels,
// sitting on top of the virtual agent registry and the buffered channel
// primitive.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/apperrors"
	"github.com/d71dev/megaphone/pkg/channel"
	"github.com/d71dev/megaphone/pkg/channelid"
	"github.com/d71dev/megaphone/pkg/dedupe"
	"github.com/d71dev/megaphone/pkg/log"
	"github.com/d71dev/megaphone/pkg/metrics"
	"github.com/d71dev/megaphone/pkg/types"
	"github.com/d71dev/megaphone/pkg/webhook"
)

// SupportedProtocol is the only read protocol create_channel accepts.
const SupportedProtocol = "http-stream-ndjson-v1"

// SweepInterval is how often drop_expired runs in the background sweeper.
const SweepInterval = 10 * time.Second

// ExpiryWindow is how recently a channel must have been read, or its
// owning agent must be distributed, to survive a sweep.
const ExpiryWindow = 60 * time.Second

type entry struct {
	fullID string
	agent  string
	buf    *channel.BufferedChannel
	// seen dedupes sync-pipe deliveries by event_id: a downstream node may
	// receive the same event both from its own local enqueue and relayed
	// over a pipe.
	seen *dedupe.Ring
}

// dedupeRingCapacity bounds how many recent event IDs a channel
// remembers for sync-pipe dedupe.
const dedupeRingCapacity = 256

// BatchFailure reports one failed (or skipped) message within a
// write_batch_into_channels call.
type BatchFailure struct {
	Channel string
	Index   int
	Reason  apperrors.Kind
}

// Broker owns the channel map. Agent clustering state lives in the
// injected Registry; webhook fan-out lives in the injected Dispatcher.
type Broker struct {
	registry   *agent.Registry
	dispatcher *webhook.Dispatcher

	mu       sync.RWMutex
	channels map[[channelid.ShortIDSize]byte]*entry

	pollDuration time.Duration
	stopCh       chan struct{}
}

// New creates a Broker. pollDuration is the lifetime of each drain
// lease: its deadline is fixed when the lease is acquired and shared by
// every step of that lease.
func New(registry *agent.Registry, dispatcher *webhook.Dispatcher, pollDuration time.Duration) *Broker {
	return &Broker{
		registry:     registry,
		dispatcher:   dispatcher,
		channels:     make(map[[channelid.ShortIDSize]byte]*entry),
		pollDuration: pollDuration,
		stopCh:       make(chan struct{}),
	}
}

// PollDuration returns the configured drain-lease poll window.
func (b *Broker) PollDuration() time.Duration {
	return b.pollDuration
}

// StartSweeper launches the drop_expired background loop. It stops when
// ctx is canceled or Stop is called.
func (b *Broker) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.dropExpiredOnce()
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// CreateChannel picks a non-warming master, mints a fresh consumer
// segment, and materializes a new BufferedChannel, returning the owning
// agent, the consumer (plaintext) full-ID, the producer (sealed)
// full-ID, and the accepted protocol list.
func (b *Broker) CreateChannel(protocols []string) (agentName, consumer, producer string, accepted []string, err error) {
	for _, p := range protocols {
		if p != SupportedProtocol {
			return "", "", "", nil, apperrors.NewBadRequest(fmt.Sprintf("unsupported protocol %q", p))
		}
	}

	masterName, err := b.registry.RandomMasterID()
	if err != nil {
		return "", "", "", nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var segment string
	var shortID [channelid.ShortIDSize]byte
	for {
		segment, err = channelid.RandomConsumerSegment()
		if err != nil {
			return "", "", "", nil, apperrors.NewInternal(fmt.Sprintf("generate channel segment: %v", err))
		}
		shortID = channelid.ShortID(segment)
		if _, exists := b.channels[shortID]; !exists {
			break
		}
	}

	fullID := channelid.Build(masterName, segment, types.FeatureChunkedStream)

	sealed, err := b.registry.EncryptChannelID(masterName, shortID)
	if err != nil {
		return "", "", "", nil, err
	}
	producerID := channelid.Build(masterName, sealed, types.FeatureChunkedStream)

	b.channels[shortID] = &entry{
		fullID: fullID,
		agent:  masterName,
		buf:    channel.NewBufferedChannel(fullID),
		seen:   dedupe.NewRing(dedupeRingCapacity),
	}
	metrics.ChannelsActive.Inc()

	return masterName, fullID, producerID, []string{SupportedProtocol}, nil
}

// resolveShortID applies the "producer form vs consumer form" rule of
// the full-ID grammar: a 50-char segment is re-hashed, anything else is
// treated as a sealed token and decrypted under the agent's key.
func resolveShortID(registry *agent.Registry, parsed channelid.FullID) ([channelid.ShortIDSize]byte, error) {
	if parsed.IsProducerForm() {
		return registry.DecryptChannelID(parsed.Agent, parsed.Segment)
	}
	return channelid.ShortID(parsed.Segment), nil
}

func (b *Broker) lookup(fullID string) (*entry, error) {
	parsed, err := channelid.Parse(fullID)
	if err != nil {
		return nil, apperrors.NewBadRequest(err.Error())
	}
	shortID, err := resolveShortID(b.registry, parsed)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	e, ok := b.channels[shortID]
	b.mu.RUnlock()
	if !ok {
		metrics.MessagesUnroutable.Inc()
		return nil, apperrors.NewNotFound(fmt.Sprintf("no such channel %q", fullID))
	}
	return e, nil
}

// WriteIntoChannel resolves full_id to a channel, fans the event to any
// live outbound pipes of the owning agent, then applies the producer
// write path: a non-blocking try with force-write fallback for piped
// agents, or a 10s bounded blocking write otherwise.
func (b *Broker) WriteIntoChannel(fullID string, event types.Event) error {
	e, err := b.lookup(fullID)
	if err != nil {
		return err
	}

	b.fanToPipes(e, event)
	return b.applyWrite(e, event)
}

// InjectIntoChannel is the sync-pipe ingress path: it never applies
// backpressure, using a non-blocking try-send with force-write eviction
// on a full buffer.
func (b *Broker) InjectIntoChannel(fullID string, event types.Event) error {
	e, err := b.lookup(fullID)
	if err != nil {
		return err
	}

	if event.EventID != "" && !e.seen.Add(event.EventID) {
		return nil
	}

	admitted, err := e.buf.TryWrite(event)
	if err != nil {
		return err
	}
	if !admitted {
		e.buf.ForceWrite(event)
	}
	return nil
}

func (b *Broker) applyWrite(e *entry, event types.Event) error {
	if len(b.registry.GetPipes(e.agent)) > 0 {
		admitted, err := e.buf.TryWrite(event)
		if err != nil {
			return err
		}
		if !admitted {
			e.buf.ForceWrite(event)
		}
		return nil
	}
	return e.buf.WriteBlocking(event)
}

func (b *Broker) fanToPipes(e *entry, event types.Event) {
	pipes := b.registry.GetPipes(e.agent)
	for _, p := range pipes {
		sent := p.TrySend(types.SyncEvent{
			Kind:      types.SyncEventReceived,
			ChannelID: e.fullID,
			StreamID:  event.StreamID,
			EventID:   event.EventID,
			Timestamp: event.Timestamp,
			Body:      event.Body,
		})
		if sent {
			metrics.SyncEventsSent.WithLabelValues(string(types.SyncEventReceived)).Inc()
		} else {
			metrics.SyncEventsDropped.WithLabelValues(string(types.SyncEventReceived)).Inc()
			log.WithChannel(e.fullID).Warn().Msg("dropped EventReceived on a full or closed outbound pipe")
		}
	}
}

// WriteBatchIntoChannels broadcasts the same ordered messages slice into
// every channel named in ids: each channel receives every message in
// order, and channels are processed concurrently against one another.
// On the first Timeout within a channel, every remaining message for
// that channel is marked Skipped without being attempted. Returns the
// flat list of failures (including Skipped entries).
func (b *Broker) WriteBatchIntoChannels(ids []string, messages []types.Event) []BatchFailure {
	var (
		mu       sync.Mutex
		failures []BatchFailure
		wg       sync.WaitGroup
	)

	for _, fullID := range ids {
		wg.Add(1)
		go func(fullID string) {
			defer wg.Done()
			skipping := false
			for i, event := range messages {
				if skipping {
					mu.Lock()
					failures = append(failures, BatchFailure{Channel: fullID, Index: i, Reason: apperrors.Skipped})
					mu.Unlock()
					continue
				}

				if err := b.WriteIntoChannel(fullID, event); err != nil {
					kind := apperrors.KindOf(err)
					mu.Lock()
					failures = append(failures, BatchFailure{Channel: fullID, Index: i, Reason: kind})
					mu.Unlock()
					if kind == apperrors.Timeout {
						skipping = true
					}
				}
			}
		}(fullID)
	}
	wg.Wait()

	return failures
}

// ReadChannel parses id using the consumer rule, verifies it names a
// live channel whose stored full-ID matches exactly, and acquires a
// drain lease. A sealed producer address hashes to no live channel under
// the consumer rule and fails with NotFound; an id whose segment matches
// but whose other parts differ from the stored full-ID fails with
// BadRequest.
func (b *Broker) ReadChannel(fullID string) (*channel.DrainLease, error) {
	parsed, err := channelid.Parse(fullID)
	if err != nil {
		return nil, apperrors.NewBadRequest(err.Error())
	}
	shortID := channelid.ShortID(parsed.Segment)

	b.mu.RLock()
	e, ok := b.channels[shortID]
	b.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFound(fmt.Sprintf("no such channel %q", fullID))
	}
	if e.fullID != fullID {
		return nil, apperrors.NewBadRequest("channel id does not match a known consumer address")
	}

	return e.buf.AcquireDrainLease(b.pollDuration)
}

// MaterializeChannel creates a BufferedChannel under exactly fullID,
// bypassing agent-name selection. Used by the sync pipe receiver for
// ChannelCreated frames. A no-op if the channel already exists.
func (b *Broker) MaterializeChannel(fullID string) error {
	parsed, err := channelid.Parse(fullID)
	if err != nil {
		return apperrors.NewBadRequest(err.Error())
	}
	shortID, err := resolveShortID(b.registry, parsed)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.channels[shortID]; exists {
		return nil
	}
	b.channels[shortID] = &entry{
		fullID: fullID,
		agent:  parsed.Agent,
		buf:    channel.NewBufferedChannel(fullID),
		seen:   dedupe.NewRing(dedupeRingCapacity),
	}
	metrics.ChannelsActive.Inc()
	return nil
}

// ListChannels skips then takes from a snapshot of the channel set,
// sorted by full-ID. A limit of zero or less returns every remaining id.
func (b *Broker) ListChannels(skip, limit int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.channels))
	for _, e := range b.channels {
		ids = append(ids, e.fullID)
	}
	sort.Strings(ids)

	if skip >= len(ids) {
		return nil
	}
	end := len(ids)
	if limit > 0 && skip+limit < end {
		end = skip + limit
	}
	return ids[skip:end]
}

// ChannelIDsByAgent returns every live channel full-ID owned by name.
func (b *Broker) ChannelIDsByAgent(name string) []string {
	prefix := name + "."
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for _, e := range b.channels {
		if strings.HasPrefix(e.fullID, prefix) {
			ids = append(ids, e.fullID)
		}
	}
	sort.Strings(ids)
	return ids
}

// CountByAgent counts live channels owned by name.
func (b *Broker) CountByAgent(name string) int {
	return len(b.ChannelIDsByAgent(name))
}

// Exists reports whether fullID resolves to a live channel, without the
// unroutable-message bookkeeping a failed producer write would trigger.
func (b *Broker) Exists(fullID string) bool {
	parsed, err := channelid.Parse(fullID)
	if err != nil {
		return false
	}
	shortID, err := resolveShortID(b.registry, parsed)
	if err != nil {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.channels[shortID]
	return ok
}

// DropChannel parses id, removes the channel, and notifies webhooks.
// Fails with Internal if id does not name a live channel.
func (b *Broker) DropChannel(fullID string) error {
	parsed, err := channelid.Parse(fullID)
	if err != nil {
		return apperrors.NewBadRequest(err.Error())
	}
	shortID, err := resolveShortID(b.registry, parsed)
	if err != nil {
		return err
	}

	b.mu.Lock()
	e, ok := b.channels[shortID]
	if ok {
		delete(b.channels, shortID)
	}
	b.mu.Unlock()

	if !ok {
		return apperrors.NewInternal(fmt.Sprintf("channel %q not found", fullID))
	}

	e.buf.Close()
	metrics.ChannelsActive.Dec()
	b.dispatcher.NotifyChannelDeleted(e.fullID)
	return nil
}

func (b *Broker) dropExpiredOnce() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SweepDuration)
		metrics.SweepCyclesTotal.Inc()
	}()

	now := time.Now()

	b.mu.RLock()
	var expiredKeys [][channelid.ShortIDSize]byte
	var expiredFullIDs []string
	for key, e := range b.channels {
		if now.Sub(e.buf.LastRead()) <= ExpiryWindow {
			continue
		}
		if b.registry.IsAgentDistributed(e.agent) {
			continue
		}
		expiredKeys = append(expiredKeys, key)
		expiredFullIDs = append(expiredFullIDs, e.fullID)
	}
	b.mu.RUnlock()

	if len(expiredKeys) == 0 {
		return
	}

	b.mu.Lock()
	for _, key := range expiredKeys {
		if e, ok := b.channels[key]; ok {
			e.buf.Close()
			delete(b.channels, key)
		}
	}
	b.mu.Unlock()
	metrics.ChannelsActive.Sub(float64(len(expiredKeys)))

	for _, fullID := range expiredFullIDs {
		b.dispatcher.NotifyChannelDeleted(fullID)
	}
}
