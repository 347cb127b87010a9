// Package inputchannel implements the bounded request/response pipe between
// the execution loop and a single front-end consumer, grounded on sage's
// input/request.rs and input/response.rs (InputRequest/InputResponse,
// minus the legacy compatibility wrappers the Go rewrite has no use for).
package inputchannel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// Capacity is the channel's default bound.
const Capacity = 16

// RequestKind discriminates the four request shapes the loop can send.
type RequestKind string

const (
	KindQuestions  RequestKind = "questions"
	KindPermission RequestKind = "permission"
	KindFreeText   RequestKind = "free_text"
	KindSimple     RequestKind = "simple"
)

// Question is one structured question posed by the AskUserQuestion tool.
type Question struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// PermissionSuggestion is a candidate rule the user may choose to remember.
type PermissionSuggestion struct {
	Pattern string `json:"pattern"`
	Scope   string `json:"scope"` // e.g. "session", "always"
}

// InputOption is one selectable choice for a Simple request.
type InputOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Request is the unified envelope sent to the single consumer.
type Request struct {
	ID   string
	Kind RequestKind

	// Questions
	Questions []Question

	// Permission
	ToolName              string
	Description           string
	Input                 map[string]interface{}
	PermissionSuggestions []PermissionSuggestion

	// FreeText
	Prompt       string
	LastResponse string

	// Simple
	Question     string
	Options      []InputOption
	MultiSelect  bool
	Context      string
}

// NewQuestionsRequest builds a Questions request.
func NewQuestionsRequest(qs []Question) Request {
	return Request{ID: uuid.NewString(), Kind: KindQuestions, Questions: qs}
}

// NewPermissionRequest builds a Permission request.
func NewPermissionRequest(toolName, description string, input map[string]interface{}, suggestions []PermissionSuggestion) Request {
	return Request{
		ID:                     uuid.NewString(),
		Kind:                   KindPermission,
		ToolName:               toolName,
		Description:            description,
		Input:                  input,
		PermissionSuggestions:  suggestions,
	}
}

// NewFreeTextRequest builds a FreeText request.
func NewFreeTextRequest(prompt, lastResponse string) Request {
	return Request{ID: uuid.NewString(), Kind: KindFreeText, Prompt: prompt, LastResponse: lastResponse}
}

// NewSimpleRequest builds a legacy-form Simple request.
func NewSimpleRequest(question string, options []InputOption, multiSelect bool, context string) Request {
	return Request{
		ID:          uuid.NewString(),
		Kind:        KindSimple,
		Question:    question,
		Options:     options,
		MultiSelect: multiSelect,
		Context:     context,
	}
}

// ResponseKind discriminates the shapes a consumer may reply with.
type ResponseKind string

const (
	RespQuestionAnswers   ResponseKind = "question_answers"
	RespPermissionGranted ResponseKind = "permission_granted"
	RespPermissionDenied  ResponseKind = "permission_denied"
	RespFreeText          ResponseKind = "free_text"
	RespCancelled         ResponseKind = "cancelled"
	RespSimple            ResponseKind = "simple"
)

// Response is the consumer's reply, always carrying the originating
// request's id. Cancelled is always a legal response regardless of kind.
type Response struct {
	RequestID string
	Kind      ResponseKind

	Answers map[string]string // QuestionAnswers

	ModifiedInput map[string]interface{} // PermissionGranted
	Rules         []PermissionSuggestion // PermissionGranted
	DenyReason    string                  // PermissionDenied

	Text string // FreeText / Simple

	SelectedIndices []int // Simple
}

// IsCancelled reports whether the user cancelled the request.
func (r Response) IsCancelled() bool { return r.Kind == RespCancelled }

// IsPermissionGranted reports whether a Permission request was granted.
func (r Response) IsPermissionGranted() bool { return r.Kind == RespPermissionGranted }

// Channel is the single-consumer bounded pipe. Zero value is an unconfigured
// channel: every Ask* call fails synchronously with a Configuration error,
// matching "pure batch mode" behavior.
type Channel struct {
	requests  chan pendingRequest
	installed bool
}

type pendingRequest struct {
	req    Request
	respCh chan Response
}

// New creates a bounded, uninstalled channel. Call Install before the
// execution loop can use it; a consumer must then call Next and answer each
// request through the function Next returns.
func New() *Channel {
	return &Channel{requests: make(chan pendingRequest, Capacity)}
}

// Install marks the channel as having a consumer. Exists so a loop running
// with a nil/zero-value front-end consistently returns Configuration errors
// rather than deadlocking on an unread channel.
func (c *Channel) Install() { c.installed = true }

// Ask sends req and blocks for a Response, honoring ctx cancellation. If no
// consumer was ever installed, it fails synchronously rather than blocking.
func (c *Channel) Ask(ctx context.Context, req Request) (Response, error) {
	if c == nil || !c.installed {
		return Response{}, errors.NewConfigurationError(fmt.Sprintf("input channel: no consumer installed for request %s", req.ID))
	}

	respCh := make(chan Response, 1)
	pending := pendingRequest{req: req, respCh: respCh}

	select {
	case c.requests <- pending:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Next blocks until a request is available for the consumer to render, or
// ctx is done.
func (c *Channel) Next(ctx context.Context) (Request, func(Response), error) {
	select {
	case p := <-c.requests:
		return p.req, func(resp Response) { p.respCh <- resp }, nil
	case <-ctx.Done():
		return Request{}, nil, ctx.Err()
	}
}
