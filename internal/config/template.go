package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/crafter-station/cadence-sub000/internal/application/services"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

// CampaignTemplate is a file describing an evaluation to create.
// SourcePromptFile is resolved relative to the template's directory.
type CampaignTemplate struct {
	Name             string                  `yaml:"name" toml:"name"`
	SourcePromptID   string                  `yaml:"source_prompt_id" toml:"source_prompt_id"`
	SourcePrompt     string                  `yaml:"source_prompt" toml:"source_prompt"`
	SourcePromptFile string                  `yaml:"source_prompt_file" toml:"source_prompt_file"`
	Evaluation       models.EvaluationConfig `yaml:"evaluation" toml:"evaluation"`
}

// DefaultTemplate returns a template carrying the campaign defaults
func DefaultTemplate(defaults CampaignConfig) CampaignTemplate {
	return CampaignTemplate{
		Evaluation: models.EvaluationConfig{
			MaxEpochs:            5,
			TestsPerEpoch:        10,
			Concurrency:          defaults.Concurrency,
			ImprovementThreshold: defaults.ImprovementThreshold,
			TargetMetric:         models.TargetMetricAccuracy,
		},
	}
}

// LoadTemplate reads a .yaml/.yml or .toml campaign template and returns the
// create request it describes.
func LoadTemplate(path string, defaults CampaignConfig) (services.CreateEvaluationInput, error) {
	tmpl := DefaultTemplate(defaults)

	data, err := os.ReadFile(path)
	if err != nil {
		return services.CreateEvaluationInput{}, fmt.Errorf("reading template: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return services.CreateEvaluationInput{}, fmt.Errorf("parsing template %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &tmpl)
		if err != nil {
			return services.CreateEvaluationInput{}, fmt.Errorf("parsing template %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			slog.Warn("config: unknown template keys", "path", path, "keys", fmt.Sprint(undecoded))
		}
	default:
		return services.CreateEvaluationInput{}, fmt.Errorf("unsupported template format %q", ext)
	}

	if tmpl.SourcePromptFile != "" {
		if tmpl.SourcePrompt != "" {
			return services.CreateEvaluationInput{}, fmt.Errorf("template %s: source_prompt and source_prompt_file are exclusive", path)
		}
		promptPath := tmpl.SourcePromptFile
		if !filepath.IsAbs(promptPath) {
			promptPath = filepath.Join(filepath.Dir(path), promptPath)
		}
		content, err := os.ReadFile(promptPath)
		if err != nil {
			return services.CreateEvaluationInput{}, fmt.Errorf("reading source prompt: %w", err)
		}
		tmpl.SourcePrompt = strings.TrimSpace(string(content))
	}

	if tmpl.Evaluation.TargetMetric == "" {
		tmpl.Evaluation.TargetMetric = models.TargetMetricAccuracy
	}
	if tmpl.Evaluation.Concurrency == 0 {
		tmpl.Evaluation.Concurrency = max(defaults.Concurrency, 1)
	}

	if strings.TrimSpace(tmpl.Name) == "" {
		return services.CreateEvaluationInput{}, fmt.Errorf("template %s: name is required", path)
	}
	if (tmpl.SourcePromptID == "") == (tmpl.SourcePrompt == "") {
		return services.CreateEvaluationInput{}, fmt.Errorf("template %s: exactly one of source_prompt_id and source_prompt is required", path)
	}
	if err := tmpl.Evaluation.Validate(); err != nil {
		return services.CreateEvaluationInput{}, fmt.Errorf("template %s: %w", path, err)
	}

	return services.CreateEvaluationInput{
		Name:           tmpl.Name,
		SourcePromptID: tmpl.SourcePromptID,
		SourcePrompt:   tmpl.SourcePrompt,
		Config:         tmpl.Evaluation,
	}, nil
}

// TemplateLoader binds campaign defaults for use by scheduled campaigns
func TemplateLoader(defaults CampaignConfig) services.TemplateLoader {
	return func(path string) (services.CreateEvaluationInput, error) {
		return LoadTemplate(path, defaults)
	}
}
