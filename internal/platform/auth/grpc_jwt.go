package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryInterceptor applies the same session check to gRPC calls.
func UnaryInterceptor(a *Authenticator, allowUnauthenticatedMethods []string) grpc.UnaryServerInterceptor {
	allow := make(map[string]struct{}, len(allowUnauthenticatedMethods))
	for _, m := range allowUnauthenticatedMethods {
		allow[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		authz := md.Get("authorization")
		if len(authz) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		p, err := a.Authenticate(authz[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, ErrorCode(err))
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}
