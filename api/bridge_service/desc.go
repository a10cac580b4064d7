package bridgeservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "txbridge.Bridge"

// Method names of the service. Every request and response is a
// google.protobuf.Struct.
const (
	MethodOpenSession         = "OpenSession"
	MethodCloseSession        = "CloseSession"
	MethodBeginTransaction    = "BeginTransaction"
	MethodCommitTransaction   = "CommitTransaction"
	MethodRollbackTransaction = "RollbackTransaction"
	MethodStore               = "Store"
	MethodDelete              = "Delete"
	MethodCrudDelete          = "CrudDelete"
	MethodCrudQuery           = "CrudQuery"
	MethodQuery               = "Query"
	MethodAdvanceCursor       = "AdvanceCursor"
	MethodTakeCursorValue     = "TakeCursorValue"
	MethodCloseCursor         = "CloseCursor"
	MethodBackup              = "Backup"
)

// FullMethod returns the "/service/method" path of a method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

type handlerFunc func(s *BridgeServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// unary adapts a BridgeServer method to a grpc.MethodDesc. Handler errors are
// translated to status errors before any interceptor sees them.
func unary(name string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(structpb.Struct)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*BridgeServer)
			call := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(s, ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, req, info, call)
		},
	}
}

// ServiceDesc describes txbridge.Bridge for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodOpenSession, (*BridgeServer).OpenSession),
		unary(MethodCloseSession, (*BridgeServer).CloseSession),
		unary(MethodBeginTransaction, (*BridgeServer).BeginTransaction),
		unary(MethodCommitTransaction, (*BridgeServer).CommitTransaction),
		unary(MethodRollbackTransaction, (*BridgeServer).RollbackTransaction),
		unary(MethodStore, (*BridgeServer).Store),
		unary(MethodDelete, (*BridgeServer).Delete),
		unary(MethodCrudDelete, (*BridgeServer).CrudDelete),
		unary(MethodCrudQuery, (*BridgeServer).CrudQuery),
		unary(MethodQuery, (*BridgeServer).Query),
		unary(MethodAdvanceCursor, (*BridgeServer).AdvanceCursor),
		unary(MethodTakeCursorValue, (*BridgeServer).TakeCursorValue),
		unary(MethodCloseCursor, (*BridgeServer).CloseCursor),
		unary(MethodBackup, (*BridgeServer).Backup),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "txbridge/bridge.proto",
}

// Register attaches the service to a gRPC server.
func Register(gs *grpc.Server, s *BridgeServer) {
	gs.RegisterService(&ServiceDesc, s)
}
