package controller

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/carbide-infra/carbide/internal/store"
)

func validConfig() IterationConfig {
	return IterationConfig{
		MaxConcurrency:      4,
		BasePollInterval:    time.Second,
		BurstSize:           10,
		MaxNextAttemptDelay: time.Minute,
	}
}

func TestNew_RejectsZeroMaxConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.MaxConcurrency = 0

	_, err := New(nil, store.NewWorkLockManager(), nil, nil, cfg, logr.Discard())
	assert.Error(t, err)
}

func TestNew_RejectsNonPositivePollInterval(t *testing.T) {
	cfg := validConfig()
	cfg.BasePollInterval = 0

	_, err := New(nil, store.NewWorkLockManager(), nil, nil, cfg, logr.Discard())
	assert.Error(t, err)
}

func TestNew_RejectsNonPositiveBurstSize(t *testing.T) {
	cfg := validConfig()
	cfg.BurstSize = -1

	_, err := New(nil, store.NewWorkLockManager(), nil, nil, cfg, logr.Discard())
	assert.Error(t, err)
}

func TestNew_AcceptsValidConfig(t *testing.T) {
	rt, err := New(nil, store.NewWorkLockManager(), nil, nil, validConfig(), logr.Discard())
	assert.NoError(t, err)
	assert.NotNil(t, rt)
}

func TestRequeueDelay(t *testing.T) {
	rt := &Runtime{cfg: IterationConfig{
		BasePollInterval:    5 * time.Second,
		MaxNextAttemptDelay: time.Minute,
	}}

	assert.Equal(t, 5*time.Second, rt.requeueDelay(0), "zero means use the base poll interval")
	assert.Equal(t, 10*time.Second, rt.requeueDelay(10*time.Second), "within cap is returned unchanged")
	assert.Equal(t, time.Minute, rt.requeueDelay(time.Hour), "over cap is clamped to MaxNextAttemptDelay")
}

func TestRequeueDelay_NoCapConfigured(t *testing.T) {
	rt := &Runtime{cfg: IterationConfig{BasePollInterval: time.Second}}
	assert.Equal(t, time.Hour, rt.requeueDelay(time.Hour), "MaxNextAttemptDelay of zero means uncapped")
}
