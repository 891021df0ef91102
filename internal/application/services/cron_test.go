package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crafter-station/cadence-sub000/internal/domain/models"
)

func TestCronCampaigns_SkipsInvalidSchedules(t *testing.T) {
	f := newCampaignFixture()
	load := func(string) (CreateEvaluationInput, error) { return inlineInput(), nil }

	c := NewCronCampaigns(f.svc, load, []Schedule{
		{Cron: "0 3 * * *", Template: "nightly.yaml"},
		{Cron: "every tuesday", Template: "broken.yaml"},
		{Cron: "@every 6h", Template: "frequent.toml"},
	})
	assert.Equal(t, 2, c.Entries())

	c.Start()
	c.Stop()
}

func TestCronCampaigns_Launch(t *testing.T) {
	f := newCampaignFixture()
	var loaded string
	load := func(path string) (CreateEvaluationInput, error) {
		loaded = path
		return inlineInput(), nil
	}
	c := NewCronCampaigns(f.svc, load, nil)

	id, err := c.Launch(context.Background(), "nightly.yaml")
	require.NoError(t, err)
	assert.Equal(t, "nightly.yaml", loaded)

	e, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EvaluationStatusRunning, e.Status)
	assert.True(t, strings.HasPrefix(e.Name, "refund flow ("), e.Name)
	assert.Len(t, f.scheduler.triggered, 1)
}

func TestCronCampaigns_LaunchTemplateError(t *testing.T) {
	f := newCampaignFixture()
	boom := errors.New("no such file")
	c := NewCronCampaigns(f.svc, func(string) (CreateEvaluationInput, error) {
		return CreateEvaluationInput{}, boom
	}, nil)

	_, err := c.Launch(context.Background(), "missing.yaml")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.evaluations.items)
}
