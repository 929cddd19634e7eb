package chat

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/deepread/deepread/internal/providers"
)

// ClientSource hands out provider clients, typically a *providers.ClientCache.
type ClientSource interface {
	GetOrCreate(name string, cfg providers.Config) (*providers.Client, error)
}

// Result summarizes a finished stream for usage accounting.
type Result struct {
	Provider string
	Model    string
	Outcome  Outcome
	Usage    Usage
	Latency  time.Duration
	Err      error
}

// Recorder receives one Result per stream once it ends. It runs on the
// request goroutine and must not block.
type Recorder func(ctx context.Context, result Result)

type Options struct {
	Logger   *slog.Logger
	Recorder Recorder
}

type Service struct {
	clients  ClientSource
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

func NewService(clients ClientSource, options Options) *Service {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		clients:  clients,
		logger:   logger,
		recorder: options.Recorder,
		now:      time.Now,
	}
}

// Stream validates req and resolves its provider client. An error here means
// nothing was sent upstream. The returned sequence performs the upstream call
// when iterated and can be iterated once: content events in arrival order,
// then exactly one usage or error event. A cancelled ctx or an early break
// ends the sequence without either.
func (s *Service) Stream(ctx context.Context, req Request) (iter.Seq[Event], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	client, err := s.clients.GetOrCreate(req.LLMConfig.ProviderName, req.LLMConfig.Config)
	if err != nil {
		return nil, err
	}

	startedAt := s.now()
	var consumed atomic.Bool
	return func(yield func(Event) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(Event{Kind: EventError, Err: ErrStreamConsumed})
			return
		}
		s.run(ctx, client, req, startedAt, yield)
	}, nil
}

func (s *Service) run(ctx context.Context, client *providers.Client, req Request, startedAt time.Time, yield func(Event) bool) {
	provider := strings.ToLower(strings.TrimSpace(req.LLMConfig.ProviderName))
	model := req.LLMConfig.ModelName
	result := Result{
		Provider: provider,
		Model:    model,
		Outcome:  OutcomeOK,
		Usage:    Usage{InputTokens: EstimateInputTokens(req.Messages)},
	}
	defer func() {
		result.Usage.Cost = providers.EstimateCost(provider, model, result.Usage.InputTokens, result.Usage.CompletionTokens)
		result.Latency = s.now().Sub(startedAt)
		s.record(ctx, result)
	}()

	fail := func(err error) {
		if ctx.Err() != nil {
			result.Outcome = OutcomeCancelled
			return
		}
		result.Outcome = OutcomeError
		result.Err = err
		s.logger.WarnContext(ctx, "chat stream failed", "provider", provider, "model", model, "error", err)
		yield(Event{Kind: EventError, Err: err})
	}

	stream, err := client.StreamChatCompletion(ctx, model, toProviderMessages(req.Messages))
	if err != nil {
		fail(err)
		return
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			s.logger.DebugContext(ctx, "close upstream chat stream", "provider", provider, "error", closeErr)
		}
	}()

	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(err)
			return
		}
		if fragment == "" {
			continue
		}
		result.Usage.CompletionTokens += EstimateTokens(fragment)
		if !yield(Event{Kind: EventContent, Content: fragment}) {
			result.Outcome = OutcomeCancelled
			return
		}
	}
	if ctx.Err() != nil {
		result.Outcome = OutcomeCancelled
		return
	}

	usage := result.Usage
	usage.Cost = providers.EstimateCost(provider, model, usage.InputTokens, usage.CompletionTokens)
	yield(Event{Kind: EventUsage, Usage: &usage})
}

func (s *Service) record(ctx context.Context, result Result) {
	if s.recorder == nil {
		return
	}
	s.recorder(context.WithoutCancel(ctx), result)
}

func toProviderMessages(messages []Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	for _, message := range messages {
		out = append(out, providers.Message{
			Role:    strings.TrimSpace(message.Role),
			Content: message.Content,
			Name:    message.Name,
		})
	}
	return out
}
