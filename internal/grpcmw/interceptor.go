// Package grpcmw applies admission control to gRPC calls. The client is the
// peer address and the operation is the full method name.
package grpcmw

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
)

const capacityRetryAfter = 30 * time.Second

// RulesFunc picks the override rules for a method, nil means the limiter
// defaults.
type RulesFunc func(fullMethod string) []ratelimit.Rule

type options struct {
	rules  RulesFunc
	exempt map[string]bool
}

type Option func(*options)

func WithRules(fn RulesFunc) Option {
	return func(o *options) { o.rules = fn }
}

// WithExempt skips admission for the given full method names.
func WithExempt(methods ...string) Option {
	return func(o *options) {
		for _, m := range methods {
			o.exempt[m] = true
		}
	}
}

func newOptions(opts []Option) options {
	o := options{exempt: map[string]bool{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ClientID is the host part of the peer address. ok is false when the
// call carries no peer address.
func ClientID(ctx context.Context) (id string, ok bool) {
	p, found := peer.FromContext(ctx)
	if !found || p.Addr == nil {
		return "", false
	}
	addr := p.Addr.String()
	if addr == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host, true
	}
	return addr, true
}

func admit(ctx context.Context, l *ratelimit.Limiter, o options, method string) error {
	if o.exempt[method] {
		return nil
	}
	var override []ratelimit.Rule
	if o.rules != nil {
		override = o.rules(method)
	}
	clientID, ok := ClientID(ctx)
	if !ok {
		// peerless calls are refused, they would all share one history
		return status.Error(codes.Internal, "client address unavailable")
	}
	err := l.CheckAndRecord(clientID, method, l.Resolve(override), l.Now())

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("ratelimit.operation", method),
			attribute.Bool("ratelimit.allowed", err == nil),
		)
	}
	return toStatus(err)
}

// toStatus maps limiter errors to ResourceExhausted with a RetryInfo
// detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var delay time.Duration
	var msg string
	if exceeded, ok := ratelimit.IsExceeded(err); ok {
		delay = time.Duration(ratelimit.RetryAfterSeconds(exceeded.RetryAfter)) * time.Second
		msg = exceeded.Error()
	} else if errors.Is(err, ratelimit.ErrCapacity) {
		delay = capacityRetryAfter
		msg = "too many requests"
	} else {
		return status.Error(codes.Internal, "admission check failed")
	}

	st := status.New(codes.ResourceExhausted, msg)
	if withInfo, derr := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(delay)}); derr == nil {
		st = withInfo
	}
	return st.Err()
}

func UnaryServerInterceptor(l *ratelimit.Limiter, opts ...Option) grpc.UnaryServerInterceptor {
	o := newOptions(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := admit(ctx, l, o, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor admits the stream once when it opens.
func StreamServerInterceptor(l *ratelimit.Limiter, opts ...Option) grpc.StreamServerInterceptor {
	o := newOptions(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := admit(ss.Context(), l, o, info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// RetryDelay extracts the RetryInfo delay from a rejection, for clients.
func RetryDelay(err error) (time.Duration, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return 0, false
	}
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok {
			return ri.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}
