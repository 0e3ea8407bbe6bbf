package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/apperrors"
	"github.com/d71dev/megaphone/pkg/channelid"
	"github.com/d71dev/megaphone/pkg/types"
	"github.com/d71dev/megaphone/pkg/webhook"
)

type fakePipe struct {
	events []types.SyncEvent
	refuse bool
}

func (f *fakePipe) TrySend(e types.SyncEvent) bool {
	if f.refuse {
		return false
	}
	f.events = append(f.events, e)
	return true
}

func (f *fakePipe) Close() {}

func newTestBroker(t *testing.T) (*Broker, *agent.Registry) {
	t.Helper()
	reg := agent.NewRegistry(0)
	a, err := reg.AddMaster("agent1")
	if err != nil {
		t.Fatalf("AddMaster: %v", err)
	}
	a.ChangeTS = time.Now().Add(-2 * agent.DefaultWarmup)
	b := New(reg, webhook.NewDispatcher(nil), 20*time.Millisecond)
	return b, reg
}

func ev(id string) types.Event {
	return types.Event{StreamID: "stream1", EventID: id, Timestamp: time.Now(), Body: []byte(`{"n":1}`)}
}

func TestCreateChannelRejectsUnsupportedProtocol(t *testing.T) {
	b, _ := newTestBroker(t)
	if _, _, _, _, err := b.CreateChannel([]string{"carrier-pigeon-v1"}); apperrors.KindOf(err) != apperrors.BadRequest {
		t.Fatalf("CreateChannel with unsupported protocol: err = %v, want BadRequest", err)
	}
}

func TestCreateChannelNoEligibleMaster(t *testing.T) {
	reg := agent.NewRegistry(time.Hour)
	if _, err := reg.AddMaster("agent1"); err != nil {
		t.Fatalf("AddMaster: %v", err)
	}
	b := New(reg, webhook.NewDispatcher(nil), 20*time.Millisecond)

	if _, _, _, _, err := b.CreateChannel(nil); apperrors.KindOf(err) != apperrors.Internal {
		t.Fatalf("CreateChannel with only a warming-up master: err = %v, want Internal", err)
	}
}

func TestCreateChannelThenWriteThenRead(t *testing.T) {
	b, _ := newTestBroker(t)

	agentName, consumer, producer, protocols, err := b.CreateChannel(nil)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if agentName != "agent1" {
		t.Errorf("agentName = %q, want agent1", agentName)
	}
	if len(protocols) != 1 || protocols[0] != SupportedProtocol {
		t.Errorf("protocols = %v, want [%s]", protocols, SupportedProtocol)
	}

	if err := b.WriteIntoChannel(consumer, ev("e1")); err != nil {
		t.Fatalf("WriteIntoChannel (consumer address): %v", err)
	}
	if err := b.WriteIntoChannel(producer, ev("e2")); err != nil {
		t.Fatalf("WriteIntoChannel (producer address): %v", err)
	}

	lease, err := b.ReadChannel(consumer)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}

	var got []string
	for {
		e, ok := lease.Next()
		if !ok {
			break
		}
		got = append(got, e.EventID)
	}
	if len(got) != 2 {
		t.Fatalf("drained %d events, want 2: %v", len(got), got)
	}
}

func TestWriteIntoChannelUnroutable(t *testing.T) {
	b, _ := newTestBroker(t)
	bogus := channelid.Build("agent1", fmt.Sprintf("%050d", 0), 1)
	if err := b.WriteIntoChannel(bogus, ev("e1")); apperrors.KindOf(err) != apperrors.NotFound {
		t.Fatalf("WriteIntoChannel to a nonexistent channel: err = %v, want NotFound", err)
	}
}

func TestReadChannelRejectsMismatchedProducerAddress(t *testing.T) {
	b, _ := newTestBroker(t)
	_, _, producer, _, err := b.CreateChannel(nil)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if _, err := b.ReadChannel(producer); apperrors.KindOf(err) != apperrors.NotFound {
		t.Fatalf("ReadChannel with a sealed producer address: err = %v, want NotFound", err)
	}
}

func TestInjectIntoChannelNeverBlocks(t *testing.T) {
	b, _ := newTestBroker(t)
	_, consumer, _, _, err := b.CreateChannel(nil)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	for i := 0; i < 150; i++ {
		if err := b.InjectIntoChannel(consumer, ev(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("InjectIntoChannel #%d: %v", i, err)
		}
	}
}

func TestInjectIntoChannelDedupesByEventID(t *testing.T) {
	b, _ := newTestBroker(t)
	_, consumer, _, _, err := b.CreateChannel(nil)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := b.InjectIntoChannel(consumer, ev("dup-1")); err != nil {
			t.Fatalf("InjectIntoChannel #%d: %v", i, err)
		}
	}
	if err := b.InjectIntoChannel(consumer, ev("dup-2")); err != nil {
		t.Fatalf("InjectIntoChannel dup-2: %v", err)
	}

	lease, err := b.ReadChannel(consumer)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	defer lease.Release()

	var seen []string
	for {
		e, ok := lease.Next()
		if !ok {
			break
		}
		seen = append(seen, e.EventID)
	}

	if len(seen) != 2 {
		t.Fatalf("events after duplicate inject = %v, want exactly [dup-1 dup-2]", seen)
	}
	if seen[0] != "dup-1" || seen[1] != "dup-2" {
		t.Fatalf("events = %v, want [dup-1 dup-2]", seen)
	}
}

func TestWriteBatchIntoChannelsIsolatesFailuresPerChannel(t *testing.T) {
	reg := agent.NewRegistry(0)
	a, err := reg.AddMaster("agent1")
	if err != nil {
		t.Fatalf("AddMaster: %v", err)
	}
	a.ChangeTS = time.Now().Add(-2 * agent.DefaultWarmup)
	b := New(reg, webhook.NewDispatcher(nil), 20*time.Millisecond)

	_, consumer, _, _, err := b.CreateChannel(nil)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	// The blocking write path's 10s deadline is too slow to exercise in
	// a unit test; this instead checks that a NotFound failure against
	// one channel does not affect delivery to the other channel in the
	// same broadcast.
	bogus := "agent1." + fmt.Sprintf("%050d", 1) + ".1"
	messages := []types.Event{ev("a"), ev("b")}

	failures := b.WriteBatchIntoChannels([]string{consumer, bogus}, messages)

	var unroutable int
	for _, f := range failures {
		if f.Channel == consumer {
			t.Errorf("expected no failures against the valid channel, got %+v", f)
			continue
		}
		if f.Reason == apperrors.NotFound {
			unroutable++
		}
	}
	if unroutable != len(messages) {
		t.Errorf("unroutable batch failures = %d, want %d", unroutable, len(messages))
	}
}

func TestListChannelsSkipAndLimit(t *testing.T) {
	b, _ := newTestBroker(t)
	var ids []string
	for i := 0; i < 5; i++ {
		_, consumer, _, _, err := b.CreateChannel(nil)
		if err != nil {
			t.Fatalf("CreateChannel: %v", err)
		}
		ids = append(ids, consumer)
	}

	all := b.ListChannels(0, 0)
	if len(all) != 5 {
		t.Fatalf("ListChannels(0,0) = %d ids, want 5", len(all))
	}

	page := b.ListChannels(2, 2)
	if len(page) != 2 {
		t.Fatalf("ListChannels(2,2) = %d ids, want 2", len(page))
	}
}

func TestChannelIDsByAgentAndCount(t *testing.T) {
	b, reg := newTestBroker(t)
	if _, err := reg.AddMaster("agent2"); err != nil {
		t.Fatalf("AddMaster: %v", err)
	}
	// agent2 starts warming up, so force it eligible for selection by
	// directly creating channels until one lands on agent1, which is
	// already past warm-up in newTestBroker.
	var onAgent1 int
	for i := 0; i < 10; i++ {
		owner, _, _, _, err := b.CreateChannel(nil)
		if err != nil {
			t.Fatalf("CreateChannel: %v", err)
		}
		if owner == "agent1" {
			onAgent1++
		}
	}

	if got := b.CountByAgent("agent1"); got != onAgent1 {
		t.Errorf("CountByAgent(agent1) = %d, want %d", got, onAgent1)
	}
	if got := len(b.ChannelIDsByAgent("agent1")); got != onAgent1 {
		t.Errorf("len(ChannelIDsByAgent(agent1)) = %d, want %d", got, onAgent1)
	}
}

func TestDropChannelRemovesAndNotifies(t *testing.T) {
	b, _ := newTestBroker(t)
	_, consumer, _, _, err := b.CreateChannel(nil)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	if err := b.DropChannel(consumer); err != nil {
		t.Fatalf("DropChannel: %v", err)
	}
	if err := b.WriteIntoChannel(consumer, ev("e1")); apperrors.KindOf(err) != apperrors.NotFound {
		t.Fatalf("WriteIntoChannel after DropChannel: err = %v, want NotFound", err)
	}
}

func TestDropChannelUnknownIsInternal(t *testing.T) {
	b, _ := newTestBroker(t)
	bogus := channelid.Build("agent1", fmt.Sprintf("%050d", 0), 1)
	if err := b.DropChannel(bogus); apperrors.KindOf(err) != apperrors.Internal {
		t.Fatalf("DropChannel on unknown channel: err = %v, want Internal", err)
	}
}

func TestMaterializeChannelBypassesAgentSelection(t *testing.T) {
	b, _ := newTestBroker(t)
	segment := fmt.Sprintf("%050d", 42)
	fullID := channelid.Build("agent1", segment, types.FeatureChunkedStream)

	if err := b.MaterializeChannel(fullID); err != nil {
		t.Fatalf("MaterializeChannel: %v", err)
	}
	if err := b.WriteIntoChannel(fullID, ev("e1")); err != nil {
		t.Fatalf("WriteIntoChannel on materialized channel: %v", err)
	}

	// Idempotent: materializing again must not reset the buffer.
	if err := b.MaterializeChannel(fullID); err != nil {
		t.Fatalf("MaterializeChannel (second call): %v", err)
	}
	lease, err := b.ReadChannel(fullID)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	e, ok := lease.Next()
	if !ok || e.EventID != "e1" {
		t.Fatalf("Next() = %+v, %v, want the event written before the second materialize", e, ok)
	}
}

func TestFanToPipesDeliversEventReceived(t *testing.T) {
	b, reg := newTestBroker(t)
	_, consumer, _, _, err := b.CreateChannel(nil)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	pipe := &fakePipe{}
	if _, err := reg.RegisterPipe("agent1", pipe); err != nil {
		t.Fatalf("RegisterPipe: %v", err)
	}
	if err := b.WriteIntoChannel(consumer, ev("e1")); err != nil {
		t.Fatalf("WriteIntoChannel: %v", err)
	}

	var sawEventReceived bool
	for _, se := range pipe.events {
		if se.Kind == types.SyncEventReceived && se.EventID == "e1" {
			sawEventReceived = true
		}
	}
	if !sawEventReceived {
		t.Errorf("pipe events = %+v, want an EventReceived frame for e1", pipe.events)
	}
}
