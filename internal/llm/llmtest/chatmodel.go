package llmtest

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// StallingModel is an eino chat model that streams Chunks and then hangs
// until the call's context ends, after which the stream closes cleanly.
type StallingModel struct {
	Chunks []*schema.Message
}

func (m *StallingModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *StallingModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](len(m.Chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range m.Chunks {
			sw.Send(c, nil)
		}
		<-ctx.Done()
	}()
	return sr, nil
}

func (m *StallingModel) BindTools([]*schema.ToolInfo) error {
	return errors.New("llmtest: tools not supported")
}
