package syncpipe

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/broker"
	"github.com/d71dev/megaphone/pkg/channelid"
	"github.com/d71dev/megaphone/pkg/types"
	"github.com/d71dev/megaphone/pkg/webhook"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func startTestServer(t *testing.T, registry *agent.Registry, b *broker.Broker) (SyncPipeClient, func()) {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	srv := NewServer(registry, b)

	go func() {
		_ = srv.grpcSrv.Serve(lis)
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}

	client := NewSyncPipeClient(conn)
	cleanup := func() {
		conn.Close()
		srv.GracefulStop()
	}
	return client, cleanup
}

func TestForwardEventsChannelCreatedAndEventReceived(t *testing.T) {
	registry := agent.NewRegistry(0)
	if _, err := registry.AddMaster("agent1"); err != nil {
		t.Fatalf("AddMaster: %v", err)
	}
	b := broker.New(registry, webhook.NewDispatcher(nil), 20*time.Millisecond)

	client, cleanup := startTestServer(t, registry, b)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.ForwardEvents(ctx)
	if err != nil {
		t.Fatalf("ForwardEvents: %v", err)
	}

	segment := "12345678901234567890123456789012345678901234567890"
	fullID := channelid.Build("agent1", segment, types.FeatureChunkedStream)

	if err := stream.Send(&Frame{Kind: string(types.SyncChannelCreated), ChannelID: fullID}); err != nil {
		t.Fatalf("Send ChannelCreated: %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv ack for ChannelCreated: %v", err)
	}

	body, _ := json.Marshal(map[string]int{"n": 1})
	if err := stream.Send(&Frame{
		Kind:      string(types.SyncEventReceived),
		ChannelID: fullID,
		StreamID:  "s1",
		EventID:   "evt1",
		Timestamp: time.Now(),
		Body:      body,
	}); err != nil {
		t.Fatalf("Send EventReceived: %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv ack for EventReceived: %v", err)
	}

	lease, err := b.ReadChannel(fullID)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	defer lease.Release()

	e, ok := lease.Next()
	if !ok || e.EventID != "evt1" {
		t.Fatalf("Next() = %+v, %v, want the injected event", e, ok)
	}
}

func TestForwardEventsPipeAgentStartAndEndTracksSession(t *testing.T) {
	registry := agent.NewRegistry(0)
	b := broker.New(registry, webhook.NewDispatcher(nil), 20*time.Millisecond)

	client, cleanup := startTestServer(t, registry, b)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The first OpenReplicaSession for an unknown agent only inserts it as
	// Replica{0}; the session opened by PipeAgentStart below is then the
	// one that makes node-a distributed.
	key := make([]byte, 32)
	if err := registry.OpenReplicaSession("node-a", key); err != nil {
		t.Fatalf("OpenReplicaSession: %v", err)
	}

	stream, err := client.ForwardEvents(ctx)
	if err != nil {
		t.Fatalf("ForwardEvents: %v", err)
	}

	if err := stream.Send(&Frame{Kind: string(types.SyncPipeAgentStart), AgentName: "node-a", AgentKey: key}); err != nil {
		t.Fatalf("Send PipeAgentStart: %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv ack: %v", err)
	}

	if !registry.IsAgentDistributed("node-a") {
		t.Error("node-a should be distributed after a session-tracked PipeAgentStart")
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}

	// Give the server goroutine a moment to observe EOF and run its
	// deferred session cleanup.
	time.Sleep(100 * time.Millisecond)

	if registry.IsAgentDistributed("node-a") {
		t.Error("node-a should no longer be distributed once the stream ends")
	}
}
