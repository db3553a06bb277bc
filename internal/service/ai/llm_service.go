package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatstream/internal/apperr"
	"github.com/zhouzirui/chatstream/internal/config"
	"github.com/zhouzirui/chatstream/internal/metrics"
)

// Service is the completion engine backed by an eino chat model.
type Service struct {
	chatModel model.ToolCallingChatModel
	toolModel model.ToolCallingChatModel
	toolsNode *compose.ToolsNode
	template  prompt.ChatTemplate
	maxSteps  int
	logger    *zap.Logger
}

// NewService binds tools to chatModel and prepares the turn prompt template.
// A nil or empty tools list disables the tool phase.
func NewService(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		chatModel: chatModel,
		template: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("{query}"),
		),
		maxSteps: max(cfg.ToolMaxSteps, 1),
		logger:   logger.Named("ai"),
	}

	if !cfg.ToolsEnabled || len(tools) == 0 {
		return svc, nil
	}

	infos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe tool: %w", err)
		}
		infos = append(infos, info)
	}

	toolModel, err := chatModel.WithTools(infos)
	if err != nil {
		return nil, fmt.Errorf("failed to bind tools: %w", err)
	}

	toolsNode, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{Tools: tools})
	if err != nil {
		return nil, fmt.Errorf("failed to create tools node: %w", err)
	}

	svc.toolModel = toolModel
	svc.toolsNode = toolsNode
	return svc, nil
}

// Generate runs a one-shot, tool-free completion of prompt.
func (s *Service) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := s.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", s.classify(err)
	}
	return resp.Content, nil
}

// Stream starts a turn completion. Tool calls are resolved first, up to the
// configured number of steps; the returned fragments carry the final answer.
func (s *Service) Stream(ctx context.Context, req Request) (*Completion, error) {
	msgs, err := s.template.Format(ctx, map[string]any{
		"system":  SystemPrompt,
		"history": toSchemaMessages(req.History),
		"query":   req.Message,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrFatal, "", fmt.Errorf("format prompt: %w", err))
	}

	completion := &Completion{}
	if s.toolModel == nil {
		return s.streamAnswer(ctx, s.chatModel, msgs, nil, completion)
	}

	// Text a step emits alongside its tool calls is replayed ahead of the answer.
	var preamble []string
	for step := 0; step < s.maxSteps; step++ {
		reader, err := s.toolModel.Stream(ctx, msgs)
		if err != nil {
			return nil, s.classify(err)
		}

		chunks, err := collect(reader)
		if err != nil {
			return nil, s.classify(err)
		}
		if len(chunks) == 0 {
			completion.Fragments = newMessageFragments(nil, preamble, s.classify)
			return completion, nil
		}

		msg, err := schema.ConcatMessages(chunks)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrFatal, "", fmt.Errorf("concat tool step: %w", err))
		}
		preamble = append(preamble, contents(chunks)...)
		if len(msg.ToolCalls) == 0 {
			completion.Fragments = newMessageFragments(nil, preamble, s.classify)
			return completion, nil
		}

		results, err := s.toolsNode.Invoke(ctx, msg)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, apperr.Wrap(apperr.ErrFatal, "", fmt.Errorf("run tools: %w", err))
		}
		s.record(completion, msg.ToolCalls, results)

		msgs = append(msgs, msg)
		msgs = append(msgs, results...)
	}

	s.logger.Warn("tool step budget exhausted, answering without tools", zap.Int("steps", s.maxSteps))
	return s.streamAnswer(ctx, s.chatModel, msgs, preamble, completion)
}

func (s *Service) streamAnswer(ctx context.Context, m model.BaseChatModel, msgs []*schema.Message, pending []string, completion *Completion) (*Completion, error) {
	reader, err := m.Stream(ctx, msgs)
	if err != nil {
		return nil, s.classify(err)
	}
	completion.Fragments = newMessageFragments(reader, pending, s.classify)
	return completion, nil
}

func (s *Service) record(completion *Completion, calls []schema.ToolCall, results []*schema.Message) {
	names := make(map[string]string, len(calls))
	for _, call := range calls {
		names[call.ID] = call.Function.Name
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: rawJSON(call.Function.Arguments),
		})
	}
	for _, result := range results {
		completion.ToolResults = append(completion.ToolResults, ToolResult{
			ID:     result.ToolCallID,
			Name:   names[result.ToolCallID],
			Output: rawJSON(result.Content),
		})
		s.logger.Debug("tool executed", zap.String("tool", names[result.ToolCallID]))
	}
}

func (s *Service) classify(err error) error {
	classified := Classify(err)
	if classified != nil && !errors.Is(classified, context.Canceled) && !errors.Is(classified, io.EOF) {
		metrics.UpstreamErrorsTotal.WithLabelValues(ClassName(classified)).Inc()
		s.logger.Warn("completion engine error", zap.String("class", ClassName(classified)), zap.Error(err))
	}
	return classified
}

// collect reads a tool step to its end. Tool calls may follow text, so the
// step cannot be classified before the stream is exhausted.
func collect(reader *schema.StreamReader[*schema.Message]) ([]*schema.Message, error) {
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			chunks = append(chunks, chunk)
		}
	}
}

func contents(chunks []*schema.Message) []string {
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.Content != "" {
			out = append(out, chunk.Content)
		}
	}
	return out
}

func toSchemaMessages(history []HistoryMessage) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	out := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case string(schema.User):
			out = append(out, schema.UserMessage(msg.Content))
		case string(schema.Assistant):
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		case string(schema.System):
			out = append(out, schema.SystemMessage(msg.Content))
		}
	}
	return out
}
