// Package prompt provides the DSPy-backed prompt revision engine.
//
// It wraps the dspy-go library so that a declarative signature drives the
// rewrite of a voice agent's system prompt from epoch metrics, healing
// suggestions and transcript samples.
//
// # Core Components
//
// Signature: Declarative input/output contracts for LLM modules
//
//	sig := prompt.MustParseSignature("question -> answer")
//	sig := prompt.PromptRevision // Predefined signature
//
// Modules: dspy-go Predict with tracing and a bound LLM
//
//	predict := prompt.NewPredict(sig, prompt.NewLLMAdapter(provider))
//	outputs, err := predict.Process(ctx, inputs)
//
// Reviser: the prompt revision module used by the optimizer
//
//	reviser := prompt.NewReviser(provider)
//	revision, err := reviser.Revise(ctx, input)
package prompt
