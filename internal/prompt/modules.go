package prompt

import (
	"context"
	"fmt"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
	"github.com/XiaoConstantine/dspy-go/pkg/modules"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/crafter-station/cadence-sub000/pkg/otel"
)

// Predict wraps dspy-go Predict with tracing and an explicitly bound LLM
type Predict struct {
	*modules.Predict
	name string
}

// NewPredict creates a Predict module for sig that calls llm
func NewPredict(sig Signature, llm core.LLM) *Predict {
	p := &Predict{
		Predict: modules.NewPredict(sig.Signature),
		name:    sig.Name,
	}
	p.Predict.SetLLM(llm)
	return p
}

// Process executes the prediction inside a span
func (p *Predict) Process(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	ctx, span := otel.Tracer("cadence.prompt").Start(ctx, "prompt.predict")
	defer span.End()
	span.SetAttributes(attribute.String("prompt.signature", p.name))

	outputs, err := p.Predict.Process(ctx, inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("predict process failed: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return outputs, nil
}
