package otel

import "go.opentelemetry.io/otel/attribute"

// Standard attribute keys for Cadence spans.
const (
	AttrEvaluationID        = "evaluation.id"
	AttrEpochNumber         = "epoch.number"
	AttrTestRunID           = "test_run.id"
	AttrSessionID           = "session.id"
	AttrPersonaID           = "persona.id"
	AttrPromptID            = "prompt.id"
	AttrRequestID           = "request.id"
	AttrLLMModel            = "llm.model"
	AttrLLMProvider         = "llm.provider"
	AttrLLMPromptTokens     = "llm.usage.prompt_tokens"
	AttrLLMCompletionTokens = "llm.usage.completion_tokens"
	AttrLLMTotalTokens      = "llm.usage.total_tokens"
	AttrASRModel            = "asr.model"
	AttrASRDurationMs       = "asr.duration_ms"
	AttrASRLatencyMs        = "asr.latency_ms"
	AttrTTSModel            = "tts.model"
	AttrTTSVoice            = "tts.voice"
	AttrTTSDurationMs       = "tts.duration_ms"
	AttrTTSLatencyMs        = "tts.latency_ms"
	AttrTaskName            = "task.name"
	AttrBlobPath            = "blob.path"
)

func EvaluationID(id string) attribute.KeyValue { return attribute.String(AttrEvaluationID, id) }
func EpochNumber(n int) attribute.KeyValue      { return attribute.Int(AttrEpochNumber, n) }
func TestRunID(id string) attribute.KeyValue    { return attribute.String(AttrTestRunID, id) }
func SessionID(id string) attribute.KeyValue    { return attribute.String(AttrSessionID, id) }
func PersonaID(id string) attribute.KeyValue    { return attribute.String(AttrPersonaID, id) }
func PromptID(id string) attribute.KeyValue     { return attribute.String(AttrPromptID, id) }
func RequestID(id string) attribute.KeyValue    { return attribute.String(AttrRequestID, id) }

func LLMModel(model string) attribute.KeyValue       { return attribute.String(AttrLLMModel, model) }
func LLMProvider(provider string) attribute.KeyValue { return attribute.String(AttrLLMProvider, provider) }
func LLMPromptTokens(n int) attribute.KeyValue       { return attribute.Int(AttrLLMPromptTokens, n) }
func LLMCompletionTokens(n int) attribute.KeyValue   { return attribute.Int(AttrLLMCompletionTokens, n) }
func LLMTotalTokens(n int) attribute.KeyValue        { return attribute.Int(AttrLLMTotalTokens, n) }

func ASRModel(model string) attribute.KeyValue  { return attribute.String(AttrASRModel, model) }
func ASRDurationMs(ms int64) attribute.KeyValue { return attribute.Int64(AttrASRDurationMs, ms) }
func ASRLatencyMs(ms int64) attribute.KeyValue  { return attribute.Int64(AttrASRLatencyMs, ms) }

func TTSModel(model string) attribute.KeyValue  { return attribute.String(AttrTTSModel, model) }
func TTSVoice(voice string) attribute.KeyValue  { return attribute.String(AttrTTSVoice, voice) }
func TTSDurationMs(ms int64) attribute.KeyValue { return attribute.Int64(AttrTTSDurationMs, ms) }
func TTSLatencyMs(ms int64) attribute.KeyValue  { return attribute.Int64(AttrTTSLatencyMs, ms) }

func TaskName(name string) attribute.KeyValue { return attribute.String(AttrTaskName, name) }
func BlobPath(path string) attribute.KeyValue { return attribute.String(AttrBlobPath, path) }
