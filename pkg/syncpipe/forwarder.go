package syncpipe

import (
	"context"
	"fmt"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/log"
	"github.com/d71dev/megaphone/pkg/metrics"
	"github.com/d71dev/megaphone/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PipeBufferSize bounds a Forwarder's local outbound queue. Once full,
// TrySend reports failure, the same as a closed or congested pipe from
// the caller's point of view.
const PipeBufferSize = 256

// Forwarder is a types.PipeSink backed by one outbound ForwardEvents
// stream to a peer node's sync pipe receiver. Its run loop is the
// detached forwarder task referenced by the registry's pipe lifecycle:
// on any terminal send error it unregisters itself, which may downgrade
// its agent back to Master if it was the last pipe.
type Forwarder struct {
	agentName string
	handle    string
	registry  *agent.Registry

	events chan types.SyncEvent
	done   chan struct{}
}

// Dial opens a ForwardEvents stream to addr, registers the resulting
// pipe against agentName in registry, and starts the forwarder's run
// loop. The PipeAgentStart frame is sent as part of RegisterPipe's
// transition, via Forwarder.TrySend itself.
func Dial(ctx context.Context, addr, agentName string, registry *agent.Registry) (*Forwarder, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("syncpipe: dial %s: %w", addr, err)
	}

	stream, err := NewSyncPipeClient(conn).ForwardEvents(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("syncpipe: open stream to %s: %w", addr, err)
	}

	f := &Forwarder{
		agentName: agentName,
		registry:  registry,
		events:    make(chan types.SyncEvent, PipeBufferSize),
		done:      make(chan struct{}),
	}

	handle, err := registry.RegisterPipe(agentName, f)
	if err != nil {
		stream.CloseSend()
		conn.Close()
		return nil, err
	}
	f.handle = handle

	go f.run(stream, conn)
	return f, nil
}

func (f *Forwarder) run(stream SyncPipe_ForwardEventsClient, conn *grpc.ClientConn) {
	defer conn.Close()
	defer close(f.done)
	defer f.registry.UnregisterPipe(f.agentName, f.handle)

	for event := range f.events {
		frame := frameFromSyncEvent(event)
		if err := stream.Send(&frame); err != nil {
			metrics.SyncEventsDropped.WithLabelValues(string(event.Kind)).Inc()
			log.WithAgent(f.agentName).Warn().Err(err).Msg("sync pipe forwarder send failed, tearing down pipe")
			return
		}
		metrics.SyncEventsSent.WithLabelValues(string(event.Kind)).Inc()
	}
}

// TrySend implements types.PipeSink with a non-blocking enqueue to the
// local outbound queue.
func (f *Forwarder) TrySend(event types.SyncEvent) bool {
	select {
	case f.events <- event:
		return true
	default:
		return false
	}
}

// Close implements types.PipeSink: stops accepting new events and waits
// for the run loop to drain and tear down.
func (f *Forwarder) Close() {
	close(f.events)
	<-f.done
}
