package geyser

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Config holds per-connection settings for one upstream endpoint.
type Config struct {
	Endpoint string
	Token    string

	// ConnectTimeout caps the initial dial. Defaults to 10s.
	ConnectTimeout time.Duration
	// KeepaliveTime/KeepaliveTimeout tune HTTP/2 keepalive pings.
	// Defaults: 30s / 5s.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// MaxRecvMsgSize caps inbound message size. Default 256MB; block-level
	// messages on busy slots run large.
	MaxRecvMsgSize int
	// Insecure disables TLS (local endpoints and tests only).
	Insecure bool
}

// Client owns one gRPC channel to an upstream streaming endpoint. Multiple
// streams may be opened over the same channel; the connection pool treats
// one Client as one connection.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

// Dial establishes the gRPC channel. The stream itself is opened later via
// OpenStream.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	target, err := grpcTarget(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	kaTime := cfg.KeepaliveTime
	if kaTime <= 0 {
		kaTime = 30 * time.Second
	}
	kaTimeout := cfg.KeepaliveTimeout
	if kaTimeout <= 0 {
		kaTimeout = 5 * time.Second
	}
	maxRecv := cfg.MaxRecvMsgSize
	if maxRecv <= 0 {
		maxRecv = 256 * 1024 * 1024
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                kaTime,
			Timeout:             kaTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecv)),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: connectTimeout,
		}),
		grpc.WithInitialWindowSize(4 * 1024 * 1024),
		grpc.WithInitialConnWindowSize(8 * 1024 * 1024),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	return &Client{cfg: cfg, conn: conn}, nil
}

// grpcTarget normalizes an endpoint (URL or host:port) into a dial target.
func grpcTarget(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("empty endpoint")
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
		}
		if u.Port() != "" {
			return u.Host, nil
		}
		return u.Hostname() + ":443", nil
	}
	if strings.Contains(endpoint, ":") {
		return endpoint, nil
	}
	return endpoint + ":443", nil
}

// Close tears down the gRPC channel.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// StreamHandle controls one open subscription stream.
type StreamHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the stream's receive loop and waits for it to exit.
func (h *StreamHandle) Cancel() {
	h.cancel()
	<-h.done
}

// Done exposes loop completion for callers that only observe.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// OpenStream opens one subscription stream over the channel and pumps
// converted messages to onMessage until the stream ends. Terminal stream
// errors are reported once through onError; a nil error means upstream
// closed the stream cleanly. Ping handling stays internal.
func (c *Client) OpenStream(
	ctx context.Context,
	req *pb.SubscribeRequest,
	onMessage func(Message),
	onError func(error),
) (*StreamHandle, error) {
	md := metadata.New(nil)
	if c.cfg.Token != "" {
		md.Set("x-token", c.cfg.Token)
	}
	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(ctx, md))

	client := pb.NewGeyserClient(c.conn)
	stream, err := client.Subscribe(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := stream.Send(req); err != nil {
		_ = stream.CloseSend()
		cancel()
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}

	handle := &StreamHandle{cancel: cancel, done: make(chan struct{})}
	go c.recvLoop(streamCtx, stream, handle, onMessage, onError)
	return handle, nil
}

// pingInterval paces the client-side keepalive pings that stop
// intermediaries from idling out quiet streams. Var so tests can shrink it.
var pingInterval = 30 * time.Second

func (c *Client) recvLoop(
	ctx context.Context,
	stream pb.Geyser_SubscribeClient,
	handle *StreamHandle,
	onMessage func(Message),
	onError func(error),
) {
	defer close(handle.done)

	// grpc-go allows at most one in-flight SendMsg per stream. Keepalive
	// pings and pong replies both write, so every send after the subscribe
	// request goes through this single writer goroutine.
	sendCh := make(chan *pb.SubscribeRequest, 8)
	recvDone := make(chan struct{})
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-recvDone:
				return
			case <-ticker.C:
				ping := &pb.SubscribeRequest{Ping: &pb.SubscribeRequestPing{Id: int32(time.Now().UnixMilli())}}
				if err := stream.Send(ping); err != nil {
					return
				}
			case req := <-sendCh:
				if err := stream.Send(req); err != nil {
					return
				}
			}
		}
	}()
	defer func() {
		close(recvDone)
		writerWG.Wait()
	}()

	for {
		update, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled locally; not an upstream failure.
				onError(nil)
				return
			}
			onError(classifyStreamErr(err))
			return
		}

		msg := Convert(update)
		if msg == nil {
			continue
		}
		if _, ok := msg.(PingMessage); ok {
			pong := &pb.SubscribeRequest{Ping: &pb.SubscribeRequestPing{Id: 1}}
			select {
			case sendCh <- pong:
			default:
				// Writer is backed up; the next keepalive covers liveness.
			}
		}
		onMessage(msg)
	}
}

func classifyStreamErr(err error) error {
	if err == io.EOF {
		return fmt.Errorf("upstream closed stream: %w", err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return fmt.Errorf("upstream transient (%s): %w", st.Code(), err)
		}
	}
	return fmt.Errorf("stream recv: %w", err)
}
