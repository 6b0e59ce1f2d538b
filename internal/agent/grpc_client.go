package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	respondMethod = "/assistant.v1.Assistant/Respond"
	healthMethod  = "/assistant.v1.Assistant/Health"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errRespondChunk             = errors.New("respond stream returned error")
)

var respondStreamDesc = grpc.StreamDesc{
	StreamName:    "Respond",
	ServerStreams: true,
}

// GrpcClient provides a gRPC client to the assistant backend.
type GrpcClient struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          getEnv("ASSISTANT_AGENT_ADDR", "localhost:50051"),
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient creates a client and waits until the backend is reachable.
// Extra dial options are appended to the defaults.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to assistant at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("assistant at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to assistant backend", "address", cfg.Address)

	return &GrpcClient{
		conn:    conn,
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks if the assistant backend is healthy.
func (c *GrpcClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.conn.Invoke(ctx, healthMethod, &healthRequest{}, &resp); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return &resp, nil
}

// Respond opens a server-streaming call and yields its events until the
// final chunk, the end of the stream or an error.
func (c *GrpcClient) Respond(ctx context.Context, req RespondRequest) iter.Seq2[*StreamEvent, error] {
	return func(yield func(*StreamEvent, error) bool) {
		c.logger.Debug("Opening respond stream",
			"turn_id", req.TurnID,
			"session_id", req.SessionID,
			"history", len(req.History))

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, &respondStreamDesc, respondMethod)
		if err != nil {
			yield(nil, fmt.Errorf("respond request failed: %w", err))
			return
		}
		if err := stream.SendMsg(&req); err != nil {
			yield(nil, fmt.Errorf("respond request failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("respond request failed: %w", err))
			return
		}

		for {
			var chunk respondChunk
			err := stream.RecvMsg(&chunk)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("respond stream error: %w", err))
				return
			}

			ev, err := chunk.event()
			if err != nil {
				yield(nil, err)
				return
			}
			if ev == nil {
				continue
			}
			if !yield(ev, nil) || ev.Final {
				return
			}
		}
	}
}

func (ch respondChunk) event() (*StreamEvent, error) {
	switch ch.Type {
	case ChunkText:
		return &StreamEvent{Text: ch.Text}, nil
	case ChunkStructured:
		if ch.Structured == nil {
			return nil, nil
		}
		return &StreamEvent{Structured: ch.Structured}, nil
	case ChunkFinal:
		return &StreamEvent{Text: ch.Text, Final: true, Structured: ch.Structured}, nil
	case ChunkError:
		if ch.ErrorMessage == "" {
			return nil, errRespondChunk
		}
		return nil, fmt.Errorf("%w: %s", errRespondChunk, ch.ErrorMessage)
	}
	return nil, nil
}

// Helper function.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
