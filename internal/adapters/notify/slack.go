// Package notify posts campaign outcomes to chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/crafter-station/cadence-sub000/internal/adapters/metrics"
	"github.com/crafter-station/cadence-sub000/internal/domain"
	"github.com/crafter-station/cadence-sub000/internal/domain/models"
	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var (
	_ ports.Notifier = (*SlackNotifier)(nil)
	_ ports.Notifier = Noop{}
)

type SlackNotifier struct {
	api       *slack.Client
	channelID string
}

// NewSlackNotifier builds a notifier. opts are passed to slack.New, which
// lets tests point the client at a local server with slack.OptionAPIURL.
func NewSlackNotifier(token, channelID string, opts ...slack.Option) (*SlackNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("slack token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("slack channel is required")
	}
	return &SlackNotifier{api: slack.New(token, opts...), channelID: channelID}, nil
}

func (n *SlackNotifier) NotifyEvaluation(ctx context.Context, evaluation *models.Evaluation) error {
	blocks := evaluationBlocks(evaluation)

	start := time.Now()
	_, _, err := n.api.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(summaryLine(evaluation), false),
		slack.MsgOptionBlocks(blocks...),
	)
	metrics.ObserveProvider("slack", "post_message", time.Since(start).Seconds(), err)
	if err != nil {
		return domain.NewProviderError("slack", "post_message", err)
	}

	slog.Info("notify: evaluation posted", "evaluation_id", evaluation.ID, "status", evaluation.Status)
	return nil
}

func summaryLine(e *models.Evaluation) string {
	switch e.Status {
	case models.EvaluationStatusCompleted:
		return fmt.Sprintf("Evaluation %q completed after %d epochs", e.Name, e.CurrentEpochNumber)
	case models.EvaluationStatusFailed:
		return fmt.Sprintf("Evaluation %q failed: %s", e.Name, e.ErrorMessage)
	}
	return fmt.Sprintf("Evaluation %q is %s", e.Name, e.Status)
}

func evaluationBlocks(e *models.Evaluation) []slack.Block {
	var fields []*slack.TextBlockObject
	addField := func(label, value string) {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", label, value), false, false))
	}

	addField("Status", string(e.Status))
	addField("Epochs", fmt.Sprintf("%d / %d", e.CurrentEpochNumber, e.Config.MaxEpochs))
	if e.BestPromptID != "" {
		addField("Best prompt", e.BestPromptID)
	}
	if e.BestAccuracy != nil {
		addField("Best accuracy", fmt.Sprintf("%.1f%%", *e.BestAccuracy))
	}
	if e.BestConversionRate != nil {
		addField("Best conversion", fmt.Sprintf("%.1f%%", *e.BestConversionRate))
	}
	if e.FailedEpochNumber != nil {
		addField("Failed epoch", fmt.Sprintf("%d", *e.FailedEpochNumber))
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate("Evaluation: "+e.Name, 150), false, false)),
		slack.NewSectionBlock(nil, fields, nil),
	}
	if e.ErrorMessage != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "```"+truncate(strings.TrimSpace(e.ErrorMessage), 2800)+"```", false, false),
			nil, nil,
		))
	}
	return blocks
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Noop is used when no notifier is configured
type Noop struct{}

func (Noop) NotifyEvaluation(context.Context, *models.Evaluation) error { return nil }
