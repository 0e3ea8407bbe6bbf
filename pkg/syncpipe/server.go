package syncpipe

import (
	"fmt"
	"io"
	"net"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/broker"
	"github.com/d71dev/megaphone/pkg/log"
	"github.com/d71dev/megaphone/pkg/types"
	"google.golang.org/grpc"
)

// Server is the sync pipe receiver: it ingests PipeAgentStart/End,
// ChannelCreated/Disposed, and EventReceived frames from inbound
// ForwardEvents streams and applies them against the registry/broker.
type Server struct {
	registry *agent.Registry
	broker   *broker.Broker
	grpcSrv  *grpc.Server
}

// NewServer builds a Server and registers it on a fresh grpc.Server.
func NewServer(registry *agent.Registry, b *broker.Broker) *Server {
	s := &Server{registry: registry, broker: b, grpcSrv: grpc.NewServer()}
	s.grpcSrv.RegisterService(&ServiceDesc, s)
	return s
}

// Serve listens on addr and blocks serving the sync pipe gRPC service.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("syncpipe: listen on %s: %w", addr, err)
	}
	log.Info("sync pipe receiver listening")
	return s.grpcSrv.Serve(lis)
}

// GracefulStop drains in-flight streams before shutting down.
func (s *Server) GracefulStop() {
	s.grpcSrv.GracefulStop()
}

// ForwardEvents implements SyncPipeServer. It tracks which agent names
// this session opened inbound replica sessions for, so that on stream
// end every one of them is closed.
func (s *Server) ForwardEvents(stream SyncPipe_ForwardEventsServer) error {
	session := make(map[string]struct{})
	defer s.closeSession(session)

	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		event, err := frame.toSyncEvent()
		if err != nil {
			log.Logger.Warn().Err(err).Msg("malformed sync pipe frame, skipping")
			continue
		}

		s.handleFrame(session, event)
		if err := stream.Send(&Ack{Ok: true}); err != nil {
			return err
		}
	}
}

func (s *Server) closeSession(session map[string]struct{}) {
	for name := range session {
		if err := s.registry.CloseReplicaSession(name); err != nil {
			log.WithAgent(name).Warn().Err(err).Msg("failed to close replica session on stream end")
		}
	}
}

func (s *Server) handleFrame(session map[string]struct{}, event types.SyncEvent) {
	switch event.Kind {
	case types.SyncPipeAgentStart:
		if _, already := session[event.AgentName]; already {
			log.WithAgent(event.AgentName).Warn().Msg("duplicate PipeAgentStart in this session")
			return
		}
		if err := s.registry.OpenReplicaSession(event.AgentName, event.AgentKey); err != nil {
			log.WithAgent(event.AgentName).Warn().Err(err).Msg("PipeAgentStart rejected")
			return
		}
		session[event.AgentName] = struct{}{}

	case types.SyncPipeAgentEnd:
		if _, ok := session[event.AgentName]; !ok {
			log.WithAgent(event.AgentName).Warn().Msg("PipeAgentEnd for an agent not opened in this session")
			return
		}
		if err := s.registry.CloseReplicaSession(event.AgentName); err != nil {
			log.WithAgent(event.AgentName).Warn().Err(err).Msg("PipeAgentEnd failed")
		}
		delete(session, event.AgentName)

	case types.SyncChannelCreated:
		if err := s.broker.MaterializeChannel(event.ChannelID); err != nil {
			log.WithChannel(event.ChannelID).Warn().Err(err).Msg("ChannelCreated materialize failed")
		}

	case types.SyncChannelDisposed:
		// No-op, left for future use.

	case types.SyncEventReceived:
		injected := types.Event{
			StreamID:  event.StreamID,
			EventID:   event.EventID,
			Timestamp: event.Timestamp,
			Body:      event.Body,
		}
		if err := s.broker.InjectIntoChannel(event.ChannelID, injected); err != nil {
			log.WithChannel(event.ChannelID).Warn().Err(err).Msg("EventReceived inject failed")
		}

	default:
		log.Logger.Warn().Str("kind", string(event.Kind)).Msg("unrecognized sync pipe frame kind, skipping")
	}
}
