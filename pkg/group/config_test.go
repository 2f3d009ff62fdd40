package group

import (
	"errors"
	"testing"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/remote"
)

func TestConfigValidate(t *testing.T) {
	t.Run("default config is valid", func(t *testing.T) {
		cfg := DefaultConfig("workers")
		if err := cfg.Validate(); err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
	})

	t.Run("empty name", func(t *testing.T) {
		cfg := DefaultConfig("")
		if err := cfg.Validate(); !errors.Is(err, sdkerrors.ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig, got: %v", err)
		}
	})

	t.Run("zero replicas", func(t *testing.T) {
		cfg := DefaultConfig("workers")
		cfg.Replicas = 0
		if err := cfg.Validate(); !errors.Is(err, sdkerrors.ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig, got: %v", err)
		}
	})

	t.Run("negative replicas", func(t *testing.T) {
		cfg := DefaultConfig("workers")
		cfg.Replicas = -3
		if err := cfg.Validate(); !errors.Is(err, sdkerrors.ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig, got: %v", err)
		}
	})

	t.Run("unknown polling policy", func(t *testing.T) {
		cfg := DefaultConfig("workers")
		cfg.Polling = PollingPolicy(42)
		if err := cfg.Validate(); !errors.Is(err, sdkerrors.ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig, got: %v", err)
		}
	})

	t.Run("unknown scheduling policy", func(t *testing.T) {
		cfg := DefaultConfig("workers")
		cfg.Scheduling = SchedulingPolicy(42)
		if err := cfg.Validate(); !errors.Is(err, sdkerrors.ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig, got: %v", err)
		}
	})

	t.Run("unknown remote descriptor", func(t *testing.T) {
		cfg := DefaultConfig("workers")
		cfg.Remote = remote.Descriptor{Access: remote.AccessMode(9)}
		if err := cfg.Validate(); !errors.Is(err, sdkerrors.ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig, got: %v", err)
		}
	})

	t.Run("idle interval defaulted", func(t *testing.T) {
		cfg := DefaultConfig("workers")
		cfg.IdleInterval = 0
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if cfg.IdleInterval <= 0 {
			t.Error("Expected IdleInterval to be defaulted")
		}
	})
}

func TestPolicyNames(t *testing.T) {
	if PollAny.String() != "any" || PollAll.String() != "all" {
		t.Error("Unexpected polling policy names")
	}
	if ScheduleLoadBalance.String() != "load_balance" || ScheduleRoundRobin.String() != "round_robin" {
		t.Error("Unexpected scheduling policy names")
	}
}
