package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var _ ports.IDGenerator = (*Generator)(nil)

type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

func (g *Generator) GenerateEvaluationID() string {
	return g.generate("eval")
}

func (g *Generator) GenerateEpochID() string {
	return g.generate("ep")
}

func (g *Generator) GenerateTestRunID() string {
	return g.generate("run")
}

func (g *Generator) GenerateTestSessionID() string {
	return g.generate("ts")
}

func (g *Generator) GeneratePromptVersionID() string {
	return g.generate("pv")
}

func (g *Generator) GenerateMetricsRecordID() string {
	return g.generate("mr")
}

func (g *Generator) GenerateSuggestionID() string {
	return g.generate("hs")
}

func (g *Generator) GenerateSnapshotID() string {
	return g.generate("snap")
}
