package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/formchat/internal/domain"
)

const (
	chatMethod       = "/formchat.agent.v1.AgentService/Chat"
	listModelsMethod = "/formchat.agent.v1.AgentService/ListModels"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errChatResponse             = errors.New("chat response returned error")
)

var chatStreamDesc = &grpc.StreamDesc{
	StreamName:    "Chat",
	ServerStreams: true,
}

// GrpcBackend reaches a remote agent service over gRPC. Messages are
// google.protobuf.Struct values, so no generated stubs are needed.
type GrpcBackend struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcConfig holds configuration for the gRPC backend.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcBackend connects to the agent service and waits until the
// connection is ready. Extra dial options are appended to the defaults.
func NewGrpcBackend(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)
	return &GrpcBackend{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
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
func (c *GrpcBackend) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	tools := make([]any, 0, len(req.Tools))
	for _, spec := range req.Tools {
		tools = append(tools, map[string]any{
			"name":        spec.ID,
			"description": spec.Description,
			"parameters":  spec.Parameters,
		})
	}
	return structpb.NewStruct(map[string]any{
		"model":   req.Model,
		"system":  req.System,
		"prompt":  req.Prompt,
		"format":  req.Format,
		"history": history,
		"tools":   tools,
	})
}

func decodeFragment(resp *structpb.Struct) (Fragment, error) {
	fields := resp.GetFields()
	if fields["response_type"].GetStringValue() == "error" {
		if msg := fields["error_message"].GetStringValue(); msg != "" {
			return Fragment{}, fmt.Errorf("%w: %s", errChatResponse, msg)
		}
		return Fragment{}, errChatResponse
	}

	frag := Fragment{Text: fields["content"].GetStringValue()}
	for _, v := range fields["tool_calls"].GetListValue().GetValues() {
		tc := v.GetStructValue()
		if tc == nil {
			continue
		}
		frag.ToolCalls = append(frag.ToolCalls, domain.ToolCall{
			Name:      tc.GetFields()["name"].GetStringValue(),
			Arguments: tc.GetFields()["arguments"].GetStructValue().AsMap(),
			At:        time.Now().UTC(),
		})
	}
	return frag, nil
}

func (c *GrpcBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// Stream runs req as a server-streaming Chat call.
func (c *GrpcBackend) Stream(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		msg, err := encodeRequest(req)
		if err != nil {
			yield(Fragment{}, fmt.Errorf("encode chat request: %w", err))
			return
		}

		stream, err := c.conn.NewStream(ctx, chatStreamDesc, chatMethod)
		if err != nil {
			yield(Fragment{}, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield(Fragment{}, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(Fragment{}, fmt.Errorf("chat request failed: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Fragment{}, fmt.Errorf("chat stream error: %w", err))
				return
			}

			frag, err := decodeFragment(resp)
			if err != nil {
				yield(Fragment{}, err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// Complete runs req and collects the streamed reply.
func (c *GrpcBackend) Complete(ctx context.Context, req Request) (Result, error) {
	var res Result
	for frag, err := range c.Stream(ctx, req) {
		if err != nil {
			return Result{}, err
		}
		res.Text += frag.Text
		res.ToolCalls = append(res.ToolCalls, frag.ToolCalls...)
	}
	return res, nil
}

// ListModels asks the agent service for its models.
func (c *GrpcBackend) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, listModelsMethod, &structpb.Struct{}, out); err != nil {
		return nil, fmt.Errorf("list models failed: %w", err)
	}
	var models []string
	for _, v := range out.GetFields()["models"].GetListValue().GetValues() {
		if name := v.GetStringValue(); name != "" {
			models = append(models, name)
		}
	}
	return models, nil
}
