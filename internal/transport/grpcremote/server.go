package grpcremote

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openbt/gattcore/internal/gattc"
	pb "github.com/openbt/gattcore/proto/gattcremote"
)

// Radio is the physical GATT/ATT link an out-of-process controller owns.
// Server translates RadioController RPCs into calls on it and translates its
// asynchronous callbacks back into IngressEvent messages on EventStream.
// This interface exists so a reference Server can be exercised in tests
// without real radio hardware.
type Radio interface {
	Register(ctx context.Context, app gattc.UUID, eattSupport bool) (clientID int, status gattc.Status)
	Deregister(ctx context.Context, clientID int)
	StartIf(ctx context.Context, clientID int)
	Connect(ctx context.Context, clientID int, peer gattc.PeerAddress, direct bool, bearer gattc.Bearer, opportunistic bool) bool
	CancelConnect(ctx context.Context, clientID int, peer gattc.PeerAddress, direct bool) bool
	Disconnect(ctx context.Context, connID int) gattc.Status
	GetConnIDIfConnected(clientID int, peer gattc.PeerAddress, bearer gattc.Bearer) (connID int, ok bool)
	GetEattSupportIfConnected(clientID int, peer gattc.PeerAddress) bool
	GetMtuSize(connID int) int
	ConfigureMTU(ctx context.Context, connID int, mtu int)
	TryMtuRequest(peer gattc.PeerAddress, bearer gattc.Bearer, connID int) gattc.MtuRequestResult
	Read(ctx context.Context, connID int, handle uint16)
	ReadMulti(ctx context.Context, connID int, handles []uint16)
	Write(ctx context.Context, connID int, handle uint16, value []byte, withResponse bool)
	ExecuteWrite(ctx context.Context, connID int, execute bool)
	SendHandleValueConfirm(ctx context.Context, connID int, handle uint16)
}

// Server implements pb.RadioControllerServer over a Radio. It fans every
// subscribed EventStream call the same IngressEvent, published through
// Publish by whatever drives the Radio (a fake in tests, a real radio
// driver in production); this mirrors the dashboard's WebSocket broadcaster
// shape but pushes protobuf messages over a gRPC server stream instead.
type Server struct {
	pb.UnimplementedRadioControllerServer

	radio  Radio
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan *pb.IngressEvent]struct{}
}

// NewServer creates a Server wired to radio.
func NewServer(radio Radio, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		radio:   radio,
		logger:  logger,
		clients: make(map[chan *pb.IngressEvent]struct{}),
	}
}

// Publish fans evt out to every subscribed EventStream, dropping it for any
// subscriber whose channel is full rather than blocking the radio driver.
func (s *Server) Publish(evt *pb.IngressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- evt:
		default:
			s.logger.Warn("grpcremote: dropping ingress event, subscriber channel full")
		}
	}
}

func (s *Server) EventStream(_ *pb.EventStreamRequest, stream pb.RadioController_EventStreamServer) error {
	ch := make(chan *pb.IngressEvent, 256)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, ch)
		s.mu.Unlock()
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-ch:
			if err := stream.Send(evt); err != nil {
				return err
			}
		}
	}
}

func (s *Server) Register(ctx context.Context, req *pb.RegisterRequest) (*pb.RegisterResponse, error) {
	var app gattc.UUID
	copy(app[:], req.AppUuid)
	clientID, status := s.radio.Register(ctx, app, req.EattSupport)
	return &pb.RegisterResponse{ClientId: int32(clientID), Status: int32(status)}, nil
}

func (s *Server) Deregister(ctx context.Context, req *pb.DeregisterRequest) (*pb.DeregisterResponse, error) {
	s.radio.Deregister(ctx, int(req.ClientId))
	return &pb.DeregisterResponse{}, nil
}

func (s *Server) StartIf(ctx context.Context, req *pb.StartIfRequest) (*pb.StartIfResponse, error) {
	s.radio.StartIf(ctx, int(req.ClientId))
	return &pb.StartIfResponse{}, nil
}

func (s *Server) Connect(ctx context.Context, req *pb.ConnectRequest) (*pb.ConnectResponse, error) {
	ok := s.radio.Connect(ctx, int(req.ClientId), peerFromBytes(req.Peer), req.Direct, gattc.Bearer(req.Bearer), req.Opportunistic)
	return &pb.ConnectResponse{Accepted: ok}, nil
}

func (s *Server) CancelConnect(ctx context.Context, req *pb.CancelConnectRequest) (*pb.CancelConnectResponse, error) {
	ok := s.radio.CancelConnect(ctx, int(req.ClientId), peerFromBytes(req.Peer), req.Direct)
	return &pb.CancelConnectResponse{Accepted: ok}, nil
}

func (s *Server) Disconnect(ctx context.Context, req *pb.DisconnectRequest) (*pb.DisconnectResponse, error) {
	status := s.radio.Disconnect(ctx, int(req.ConnId))
	return &pb.DisconnectResponse{Status: int32(status)}, nil
}

func (s *Server) GetConnIDIfConnected(_ context.Context, req *pb.GetConnIDRequest) (*pb.GetConnIDResponse, error) {
	connID, ok := s.radio.GetConnIDIfConnected(int(req.ClientId), peerFromBytes(req.Peer), gattc.Bearer(req.Bearer))
	return &pb.GetConnIDResponse{ConnId: int32(connID), Ok: ok}, nil
}

func (s *Server) GetEattSupportIfConnected(_ context.Context, req *pb.GetEattSupportRequest) (*pb.GetEattSupportResponse, error) {
	supported := s.radio.GetEattSupportIfConnected(int(req.ClientId), peerFromBytes(req.Peer))
	return &pb.GetEattSupportResponse{Supported: supported}, nil
}

func (s *Server) GetMtuSize(_ context.Context, req *pb.GetMtuSizeRequest) (*pb.GetMtuSizeResponse, error) {
	return &pb.GetMtuSizeResponse{Mtu: int32(s.radio.GetMtuSize(int(req.ConnId)))}, nil
}

func (s *Server) ConfigureMTU(ctx context.Context, req *pb.ConfigureMTURequest) (*pb.ConfigureMTUResponse, error) {
	s.radio.ConfigureMTU(ctx, int(req.ConnId), int(req.Mtu))
	return &pb.ConfigureMTUResponse{}, nil
}

func (s *Server) TryMtuRequest(_ context.Context, req *pb.TryMtuRequestRequest) (*pb.TryMtuRequestResponse, error) {
	result := s.radio.TryMtuRequest(peerFromBytes(req.Peer), gattc.Bearer(req.Bearer), int(req.ConnId))
	return &pb.TryMtuRequestResponse{Result: int32(result)}, nil
}

func (s *Server) Read(ctx context.Context, req *pb.ReadRequest) (*pb.ReadResponse, error) {
	s.radio.Read(ctx, int(req.ConnId), uint16(req.Handle))
	return &pb.ReadResponse{}, nil
}

func (s *Server) ReadMulti(ctx context.Context, req *pb.ReadMultiRequest) (*pb.ReadMultiResponse, error) {
	handles := make([]uint16, len(req.Handles))
	for i, h := range req.Handles {
		handles[i] = uint16(h)
	}
	s.radio.ReadMulti(ctx, int(req.ConnId), handles)
	return &pb.ReadMultiResponse{}, nil
}

func (s *Server) Write(ctx context.Context, req *pb.WriteRequest) (*pb.WriteResponse, error) {
	s.radio.Write(ctx, int(req.ConnId), uint16(req.Handle), req.Value, req.WithResponse)
	return &pb.WriteResponse{}, nil
}

func (s *Server) ExecuteWrite(ctx context.Context, req *pb.ExecuteWriteRequest) (*pb.ExecuteWriteResponse, error) {
	s.radio.ExecuteWrite(ctx, int(req.ConnId), req.Execute)
	return &pb.ExecuteWriteResponse{}, nil
}

func (s *Server) SendHandleValueConfirm(ctx context.Context, req *pb.ConfirmRequest) (*pb.ConfirmResponse, error) {
	s.radio.SendHandleValueConfirm(ctx, int(req.ConnId), uint16(req.Handle))
	return &pb.ConfirmResponse{}, nil
}
