package syncpipe

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully qualified gRPC service name, in the shape
// protoc-gen-go-grpc would have produced from a megaphone.proto package.
const serviceName = "megaphone.SyncPipe"

// ServiceDesc is the hand-built equivalent of what protoc-gen-go-grpc
// emits for a service with one bidi-streaming method. It lets the
// server register SyncPipeServer without any generated code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SyncPipeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ForwardEvents",
			Handler:       forwardEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "megaphone/syncpipe.proto",
}

// SyncPipeServer is implemented by the sync pipe receiver.
type SyncPipeServer interface {
	ForwardEvents(SyncPipe_ForwardEventsServer) error
}

// SyncPipe_ForwardEventsServer is the server-side view of one
// ForwardEvents stream.
type SyncPipe_ForwardEventsServer interface {
	Send(*Ack) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type syncPipeForwardEventsServer struct {
	grpc.ServerStream
}

func (x *syncPipeForwardEventsServer) Send(m *Ack) error {
	return x.ServerStream.SendMsg(m)
}

func (x *syncPipeForwardEventsServer) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func forwardEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SyncPipeServer).ForwardEvents(&syncPipeForwardEventsServer{stream})
}

// SyncPipeClient is the hand-built equivalent of a protoc-gen-go-grpc
// client stub for SyncPipeServer.
type SyncPipeClient interface {
	ForwardEvents(ctx context.Context, opts ...grpc.CallOption) (SyncPipe_ForwardEventsClient, error)
}

type syncPipeClient struct {
	cc grpc.ClientConnInterface
}

// NewSyncPipeClient wraps a ClientConnInterface (typically a
// *grpc.ClientConn) as a SyncPipeClient.
func NewSyncPipeClient(cc grpc.ClientConnInterface) SyncPipeClient {
	return &syncPipeClient{cc: cc}
}

func (c *syncPipeClient) ForwardEvents(ctx context.Context, opts ...grpc.CallOption) (SyncPipe_ForwardEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/ForwardEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &syncPipeForwardEventsClient{stream}, nil
}

// SyncPipe_ForwardEventsClient is the client-side view of one
// ForwardEvents stream.
type SyncPipe_ForwardEventsClient interface {
	Send(*Frame) error
	Recv() (*Ack, error)
	grpc.ClientStream
}

type syncPipeForwardEventsClient struct {
	grpc.ClientStream
}

func (x *syncPipeForwardEventsClient) Send(m *Frame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *syncPipeForwardEventsClient) Recv() (*Ack, error) {
	m := new(Ack)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
