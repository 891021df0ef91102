package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule launches a campaign from a template on a cron expression
type Schedule struct {
	Cron     string `json:"cron" yaml:"cron" toml:"cron"`
	Template string `json:"template" yaml:"template" toml:"template"`
}

// TemplateLoader reads a campaign template into a create request
type TemplateLoader func(path string) (CreateEvaluationInput, error)

// CronCampaigns runs scheduled regression campaigns
type CronCampaigns struct {
	cron     *cron.Cron
	campaign *CampaignService
	load     TemplateLoader
	entries  int
}

// NewCronCampaigns registers every valid schedule. Invalid cron expressions
// are logged and skipped.
func NewCronCampaigns(campaign *CampaignService, load TemplateLoader, schedules []Schedule) *CronCampaigns {
	c := &CronCampaigns{
		cron:     cron.New(),
		campaign: campaign,
		load:     load,
	}
	for _, sc := range schedules {
		_, err := c.cron.AddFunc(sc.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := c.Launch(ctx, sc.Template); err != nil {
				slog.Error("cron: scheduled campaign failed to launch", "template", sc.Template, "error", err)
			}
		})
		if err != nil {
			slog.Warn("cron: skipping invalid schedule", "cron", sc.Cron, "template", sc.Template, "error", err)
			continue
		}
		c.entries++
	}
	return c
}

// Launch creates and starts one evaluation from a template
func (c *CronCampaigns) Launch(ctx context.Context, template string) (string, error) {
	input, err := c.load(template)
	if err != nil {
		return "", fmt.Errorf("failed to load template %s: %w", template, err)
	}
	input.Name = fmt.Sprintf("%s (%s)", input.Name, time.Now().UTC().Format("2006-01-02 15:04"))

	evaluation, err := c.campaign.Create(ctx, input)
	if err != nil {
		return "", err
	}
	if _, err := c.campaign.Start(ctx, evaluation.ID); err != nil {
		return evaluation.ID, err
	}
	slog.Info("cron: scheduled campaign started", "template", template, "evaluation_id", evaluation.ID)
	return evaluation.ID, nil
}

// Entries returns how many schedules were registered
func (c *CronCampaigns) Entries() int {
	return c.entries
}

// Start begins firing schedules in the background
func (c *CronCampaigns) Start() {
	c.cron.Start()
}

// Stop stops the scheduler and waits for running launches
func (c *CronCampaigns) Stop() {
	<-c.cron.Stop().Done()
}
