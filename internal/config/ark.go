package config

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// arkModel gives the ark client the WithTools contract. The ark release in
// use only binds tools in place, so WithTools builds a second client and
// leaves the receiver tool-free.
type arkModel struct {
	*ark.ChatModel
	cfg *ark.ChatModelConfig
}

func newArkModel(ctx context.Context, cfg *ark.ChatModelConfig) (*arkModel, error) {
	cm, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &arkModel{ChatModel: cm, cfg: cfg}, nil
}

func (m *arkModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound, err := newArkModel(context.Background(), m.cfg)
	if err != nil {
		return nil, err
	}
	if err := bound.BindTools(tools); err != nil {
		return nil, fmt.Errorf("bind ark tools: %w", err)
	}
	return bound, nil
}
