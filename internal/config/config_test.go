package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, int64(DefaultReferralPercent), cfg.ReferralPercent)
	assert.Equal(t, []int{1, 3, 6, 12}, cfg.PlanMonths)
	assert.NotEmpty(t, cfg.Plans, "expected fallback plan")
	assert.Equal(t, "plan_1", cfg.Plans[0].ID)
}

func TestLoad_PlansFromEnv(t *testing.T) {
	t.Setenv("PLAN_1_NAME", "Lite")
	t.Setenv("PLAN_1_PRICE", "2.50")
	t.Setenv("PLAN_1_TRAFFIC_GB", "50")
	t.Setenv("PLAN_2_NAME", "Pro")
	t.Setenv("PLAN_2_PRICE", "5.00")
	// PLAN_3 unset: loading stops at the gap.
	t.Setenv("PLAN_4_NAME", "Ghost")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Plans, 2)
	assert.Equal(t, "Lite", cfg.Plans[0].Name)
	assert.Equal(t, "2.50", cfg.Plans[0].Price)
	assert.Equal(t, int64(50), cfg.Plans[0].TrafficGB)
	assert.Equal(t, "plan_2", cfg.Plans[1].ID)
}

func TestLoad_ProductionRequiresWebhookSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("PAYMENT_WEBHOOK_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidate_ReferralPercentBounds(t *testing.T) {
	t.Setenv("REFERRAL_PERCENT", "101")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("REFERRAL_PERCENT", "25")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.ReferralPercent)
}

func TestLoad_BadPlanMonths(t *testing.T) {
	t.Setenv("PLAN_MONTHS", "1,x,3")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("PLAN_MONTHS", "1,0")
	_, err = Load()
	assert.Error(t, err)
}
