// Package modelclient defines the language-model client contract used by the
// call_model action. The LM client itself is an external collaborator —
// only the narrow Ask contract belongs to the core; concrete adapters
// (grpc.go, http.go) are reference implementations showing how a team would
// wire a real model service behind it.
package modelclient

import "context"

// DialogTurn is one message in native-chat mode.
type DialogTurn struct {
	Role    string
	Content string
}

// AskRequest mirrors the teacher's ChatRequest shape: a rendered prompt (or,
// in native_chat mode, system prompt + history + latest message), generation
// controls, and an optional model override.
type AskRequest struct {
	Prompt       string
	SystemPrompt string
	Context      []string
	NativeChat   bool
	History      []DialogTurn
	Message      string
	Model        string
	Temperature  float32
	MaxTokens    int32
}

// AskResponse mirrors the teacher's ChatResponse shape.
type AskResponse struct {
	Reply      string
	TokensUsed int32
	Model      string
}

// Client is the language-model client contract.
type Client interface {
	Ask(ctx context.Context, req AskRequest) (AskResponse, error)
}
