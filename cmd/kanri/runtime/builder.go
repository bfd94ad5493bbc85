package runtime

import (
	"context"
	"fmt"

	"github.com/harunnryd/kanri/internal/config"
	"github.com/harunnryd/kanri/internal/provisioner"
)

type RuntimeBuilder interface {
	WithContext(ctx context.Context) RuntimeBuilder
	WithConfig(cfg *config.Config) RuntimeBuilder
	WithTool(tool provisioner.Tool) RuntimeBuilder
	Build() (*RuntimeComponents, error)
}

type DefaultRuntimeBuilder struct {
	ctx  context.Context
	cfg  *config.Config
	tool provisioner.Tool
}

func NewRuntimeBuilder() RuntimeBuilder {
	return &DefaultRuntimeBuilder{}
}

func (b *DefaultRuntimeBuilder) WithContext(ctx context.Context) RuntimeBuilder {
	b.ctx = ctx
	return b
}

func (b *DefaultRuntimeBuilder) WithConfig(cfg *config.Config) RuntimeBuilder {
	b.cfg = cfg
	return b
}

// WithTool replaces the provisioning CLI. Nil keeps the configured command.
func (b *DefaultRuntimeBuilder) WithTool(tool provisioner.Tool) RuntimeBuilder {
	b.tool = tool
	return b
}

func (b *DefaultRuntimeBuilder) Build() (*RuntimeComponents, error) {
	if b.ctx == nil {
		b.ctx = context.Background()
	}

	if b.cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	return NewRuntimeComponents(b.ctx, b.cfg, b.tool)
}
