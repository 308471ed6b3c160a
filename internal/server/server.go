// Package server exposes the filter chains over the envoy ext-authz
// gRPC protocol. It is the only place the envoy wire types appear;
// everything behind it works on the neutral authz model.
package server

import (
	"context"
	"log/slog"
	"net"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/google/uuid"
	rpccode "google.golang.org/genproto/googleapis/rpc/code"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"

	"github.com/meshguard/authgate/internal/authz"
)

var baseLogAttr = slog.String("component", "authz-server")

// Server implements the envoy Authorization service on top of a
// filter chain.
type Server struct {
	authv3.UnimplementedAuthorizationServer

	chain authz.Filter
}

// New builds a Server around the given filter or chain.
func New(chain authz.Filter) *Server {
	return &Server{chain: chain}
}

// Check runs one authorization check through the filter chain.
func (s *Server) Check(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	checkID := uuid.NewString()

	areq := fromEnvoy(req)
	slog.DebugContext(ctx, "processing check", baseLogAttr,
		slog.String("check_id", checkID),
		slog.String("chain", s.chain.Name()),
		slog.String("source", areq.Source.Address),
		slog.String("destination", areq.Destination.Address),
	)

	resp := s.chain.Process(ctx, areq)

	slog.InfoContext(ctx, "check complete", baseLogAttr,
		slog.String("check_id", checkID),
		slog.String("code", resp.Code.String()),
	)
	return toEnvoy(resp), nil
}

// Serve listens on addr and serves the Authorization service until
// the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	g := grpc.NewServer()
	authv3.RegisterAuthorizationServer(g, s)

	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()

	slog.InfoContext(ctx, "server listening", baseLogAttr, slog.String("address", addr))
	return g.Serve(lis)
}

func fromEnvoy(req *authv3.CheckRequest) *authz.Request {
	out := &authz.Request{
		Source:      peerFromEnvoy(req.GetAttributes().GetSource()),
		Destination: peerFromEnvoy(req.GetAttributes().GetDestination()),
	}

	http := req.GetAttributes().GetRequest().GetHttp()
	if http == nil {
		return out
	}
	headers := make(map[string]string, len(http.GetHeaders()))
	for k, v := range http.GetHeaders() {
		headers[k] = v
	}
	out.HTTP = &authz.HTTPRequest{
		Scheme:  http.GetScheme(),
		Host:    http.GetHost(),
		Path:    http.GetPath(),
		Headers: headers,
	}
	return out
}

func peerFromEnvoy(peer *authv3.AttributeContext_Peer) authz.Peer {
	return authz.Peer{
		Address:   peer.GetAddress().GetSocketAddress().GetAddress(),
		Principal: peer.GetPrincipal(),
	}
}

func toEnvoy(resp *authz.Response) *authv3.CheckResponse {
	out := &authv3.CheckResponse{
		Status: &rpcstatus.Status{Code: int32(rpcCode(resp.Code))},
	}

	if resp.Code == authz.CodeOK {
		out.HttpResponse = &authv3.CheckResponse_OkResponse{
			OkResponse: &authv3.OkHttpResponse{Headers: headerOptions(resp.OKHeaders)},
		}
		return out
	}

	denied := &authv3.DeniedHttpResponse{Headers: headerOptions(resp.DeniedHeaders)}
	if resp.DeniedStatus != 0 {
		denied.Status = &typev3.HttpStatus{Code: typev3.StatusCode(resp.DeniedStatus)}
	}
	out.HttpResponse = &authv3.CheckResponse_DeniedResponse{DeniedResponse: denied}
	return out
}

func headerOptions(headers []authz.Header) []*corev3.HeaderValueOption {
	out := make([]*corev3.HeaderValueOption, 0, len(headers))
	for _, h := range headers {
		out = append(out, &corev3.HeaderValueOption{
			Header: &corev3.HeaderValue{Key: h.Name, Value: h.Value},
		})
	}
	return out
}

func rpcCode(c authz.Code) rpccode.Code {
	switch c {
	case authz.CodeOK:
		return rpccode.Code_OK
	case authz.CodeInvalidArgument:
		return rpccode.Code_INVALID_ARGUMENT
	case authz.CodeInternal:
		return rpccode.Code_INTERNAL
	case authz.CodeUnknown:
		return rpccode.Code_UNKNOWN
	case authz.CodeUnauthenticated:
		return rpccode.Code_UNAUTHENTICATED
	default:
		return rpccode.Code_UNKNOWN
	}
}
