package prompt

import (
	"context"
	"errors"
	"log/slog"

	"modelcall/internal/dispatch"
	"modelcall/internal/logging"
	"modelcall/internal/services"
	"modelcall/internal/services/llm"
)

// Success record fields added by the caller.
const (
	FieldFinalMessages = "final_messages"
	FieldParsed        = "parsed"
)

// Completer issues a single chat completion.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// Caller implements dispatch.Caller for a prompt over a chat completion API.
type Caller struct {
	client Completer
	prompt *Prompt
	logger *slog.Logger
}

// NewCaller builds a Caller. A nil logger discards output.
func NewCaller(client Completer, prompt *Prompt, logger *slog.Logger) *Caller {
	return &Caller{
		client: client,
		prompt: prompt,
		logger: logging.NewComponentLogger(logger, "prompt"),
	}
}

// Call performs one attempt for req.
func (c *Caller) Call(ctx context.Context, req dispatch.CallRequest) (dispatch.Response, error) {
	messages, err := c.prompt.Messages(req.Fields, req.Hint)
	if err != nil {
		return dispatch.Response{}, services.Wrap(services.ErrPermanent, "prompt", "build messages", "", err)
	}

	completion, err := c.client.Complete(ctx, llm.Request{
		Messages: messages,
		JSON:     c.prompt.Output.RequireJSON,
	})
	if err != nil {
		return dispatch.Response{}, c.mapError(ctx, err)
	}

	parsed, violation := c.prompt.Output.Check(completion.Content)
	if violation != nil {
		logging.WithContext(ctx, c.logger).Debug("response rejected",
			logging.String("reason", violation.Reason),
		)
		return dispatch.Response{}, &dispatch.ValidationError{
			Reason: violation.Reason,
			Raw:    completion.Content,
			Hint:   violation.Hint,
		}
	}

	content := renderContent(completion)
	final := make([]llm.Message, 0, len(messages)+1)
	final = append(final, messages...)
	final = append(final, llm.Message{Role: "assistant", Content: content})

	fields := map[string]any{FieldFinalMessages: final}
	if parsed != nil {
		fields[FieldParsed] = parsed
	}
	return dispatch.Response{Content: content, Fields: fields}, nil
}

func (c *Caller) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	var empty *llm.EmptyContentError
	if errors.As(err, &empty) {
		return &dispatch.ValidationError{
			Reason: "response has no content",
			Raw:    empty.Snippet,
			Hint:   "Your previous answer was empty. Answer the request.",
		}
	}
	var malformed *llm.MalformedResponseError
	if errors.As(err, &malformed) {
		return services.Wrap(services.ErrTransient, "llm", "complete", "malformed response", err)
	}
	if llm.IsRetryable(err) {
		return services.Wrap(services.ErrTransient, "llm", "complete", "", err)
	}
	return services.Wrap(services.ErrPermanent, "llm", "complete", "", err)
}

// renderContent prefixes the answer with the model's reasoning when present.
func renderContent(completion llm.Completion) string {
	if completion.Reasoning == "" {
		return completion.Content
	}
	return "<think>\n" + completion.Reasoning + "\n</think>\n\n" + completion.Content
}
