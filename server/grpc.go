// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
package server

import (
	"context"
	"net/http"

	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"google.golang.org/grpc"

	"github.com/pgxc-mgr/clustermgr/cluster"
	_ "github.com/pgxc-mgr/clustermgr/internal/grpcjson"
)

// DispatchRequest/DispatchReply mirror the HTTP API's request/response
// shapes one-for-one, so grpcClusterServer below is a thin transport
// adapter in front of the same *cluster.Cluster methods api.go calls.
type DispatchRequest struct {
	Cluster         string `json:"cluster"`
	Verb            string `json:"verb"`
	NodeID          string `json:"nodeId"`
	Kind            string `json:"kind"`
	ReplicationUser string `json:"replicationUser"`
	Force           bool   `json:"force"`
}

type DispatchReply struct {
	Rows []cluster.Result `json:"rows"`
}

// ClusterServiceServer is the interface clustermgrd's gRPC service
// implements; generated client stubs for clusterctl or other
// consumers only need this method name and the two message types.
type ClusterServiceServer interface {
	Dispatch(context.Context, *DispatchRequest) (*DispatchReply, error)
}

var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: "clustermgr.ClusterService",
	HandlerType: (*ClusterServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: clusterServiceDispatchHandler},
	},
	Metadata: "clustermgr.proto",
}

func clusterServiceDispatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DispatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClusterServiceServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clustermgr.ClusterService/Dispatch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClusterServiceServer).Dispatch(ctx, req.(*DispatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// grpcClusterServer implements ClusterServiceServer by routing to the
// same Supervisor.Cluster lookup and *cluster.Cluster verb methods the
// HTTP handlers use.
type grpcClusterServer struct {
	sup *Supervisor
}

func (g *grpcClusterServer) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchReply, error) {
	c, err := g.sup.Cluster(req.Cluster)
	if err != nil {
		return nil, err
	}

	switch req.Verb {
	case "list":
		rows, err := c.List(ctx)
		return &DispatchReply{Rows: rows}, err
	case "monitor":
		rows, err := c.Monitor(ctx)
		return &DispatchReply{Rows: rows}, err
	case "append":
		return &DispatchReply{Rows: []cluster.Result{c.Append(ctx, req.Kind, req.NodeID, req.ReplicationUser)}}, nil
	case "remove":
		return &DispatchReply{Rows: []cluster.Result{c.Remove(ctx, req.NodeID)}}, nil
	case "drop":
		return &DispatchReply{Rows: []cluster.Result{c.Drop(ctx, req.NodeID)}}, nil
	case "failover":
		return &DispatchReply{Rows: []cluster.Result{c.Failover(ctx, req.NodeID, req.Force)}}, nil
	default:
		return &DispatchReply{Rows: []cluster.Result{{Name: req.NodeID, Success: false, Description: "unknown verb " + req.Verb}}}, nil
	}
}

// GRPCServer builds the grpc.Server clustermgrd binds
// grpc-listen-address to.
func (s *Supervisor) GRPCServer() *grpc.Server {
	gs := grpc.NewServer()
	gs.RegisterService(&clusterServiceDesc, &grpcClusterServer{sup: s})
	return gs
}

// GRPCWebHandler wraps the gRPC server so browser clients without a
// native HTTP/2 gRPC stack can reach it over grpc-web-listen-address,
// the same bridge the teacher wires via improbable-eng/grpc-web.
func (s *Supervisor) GRPCWebHandler(gs *grpc.Server) http.Handler {
	return grpcweb.WrapServer(gs)
}
