package modelclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// ChatServiceClient is the minimal gRPC stub surface this adapter needs.
// Projects that generate a real ChatServiceClient from a .proto file satisfy
// this with their generated code; it is declared narrowly here so the core
// module never depends on a specific .proto package.
type ChatServiceClient interface {
	Chat(ctx context.Context, req *ChatRequestPB, opts ...grpc.CallOption) (*ChatResponsePB, error)
}

// ChatRequestPB/ChatResponsePB stand in for generated protobuf message
// types. A real deployment replaces these with its generated mlpb types;
// the field names below mirror the teacher's ChatRequest/ChatResponse.
type ChatRequestPB struct {
	Message      string
	Context      []string
	SystemPrompt string
	Temperature  float32
	Model        string
	MaxTokens    int32
}

type ChatResponsePB struct {
	Reply      string
	TokensUsed int32
	Model      string
}

// grpcClient adapts a gRPC ChatServiceClient to the Client contract, for
// deployments that dial an ML worker over gRPC instead of HTTP.
type grpcClient struct {
	chat ChatServiceClient
}

// NewGRPC wraps an established ChatServiceClient.
func NewGRPC(chat ChatServiceClient) Client {
	return &grpcClient{chat: chat}
}

func (c *grpcClient) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	message := req.Message
	if message == "" {
		message = req.Prompt
	}
	resp, err := c.chat.Chat(ctx, &ChatRequestPB{
		Message:      message,
		Context:      req.Context,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return AskResponse{}, fmt.Errorf("modelclient: grpc chat: %w", err)
	}
	return AskResponse{Reply: resp.Reply, TokensUsed: resp.TokensUsed, Model: resp.Model}, nil
}
