package config

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func validConfig(id string) *Config {
	cfg := Defaults()
	cfg.Node.ID = id
	return cfg
}

func TestSafeConfig_ThreadSafety(t *testing.T) {
	safeConfig := NewSafeConfig(validConfig("arm-controller"))

	const numGoroutines = 40
	const numOperations = 200

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				cfg := safeConfig.Get()
				if cfg == nil {
					errs <- fmt.Errorf("got nil config")
					return
				}
				if cfg.Node.ID != "arm-controller" && cfg.Node.ID != "arm-updated" {
					errs <- fmt.Errorf("unexpected node ID: %s", cfg.Node.ID)
					return
				}
			}
		}()
	}

	for i := 0; i < numGoroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations/10; j++ {
				if err := safeConfig.Update(validConfig("arm-updated")); err != nil {
					errs <- fmt.Errorf("update failed: %w", err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errs)
		for err := range errs {
			t.Fatalf("Concurrent access error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Test timed out - possible deadlock")
	}
}

func TestSafeConfig_NilHandling(t *testing.T) {
	safeConfig := NewSafeConfig(nil)

	if cfg := safeConfig.Get(); cfg == nil {
		t.Error("SafeConfig.Get() should not return nil even with nil base config")
	}
	if err := safeConfig.Update(nil); err == nil {
		t.Error("SafeConfig.Update(nil) should return an error")
	}
}

func TestSafeConfig_ValidationDuringUpdate(t *testing.T) {
	safeConfig := NewSafeConfig(validConfig("base"))

	invalid := validConfig("")
	if err := safeConfig.Update(invalid); err == nil {
		t.Error("Update with invalid config should fail validation")
	}

	if cfg := safeConfig.Get(); cfg.Node.ID != "base" {
		t.Error("Original config was modified after failed update")
	}
}

func TestSafeConfig_DeepCopy(t *testing.T) {
	base := validConfig("gripper")
	base.Node.Labels = map[string]string{"arm": "left"}
	safeConfig := NewSafeConfig(base)

	cfg1 := safeConfig.Get()
	cfg2 := safeConfig.Get()

	cfg1.Node.ID = "modified"
	cfg1.Node.Labels["arm"] = "right"
	cfg1.NATS.URLs = append(cfg1.NATS.URLs, "nats://other:4222")

	if cfg2.Node.ID != "gripper" {
		t.Error("Deep copy failed - cfg2 was affected by cfg1 modification")
	}
	if cfg2.Node.Labels["arm"] != "left" {
		t.Error("Deep copy failed - cfg2 labels were affected")
	}
	if len(cfg2.NATS.URLs) != 1 {
		t.Error("Deep copy failed - cfg2 URLs were affected")
	}
	if safeConfig.Get().Node.ID != "gripper" {
		t.Error("Original config was modified")
	}
}

func TestConfigClone(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config", config: nil},
		{name: "empty config", config: &Config{}},
		{name: "defaults", config: validConfig("vision")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clone := tt.config.Clone()
			if clone == nil {
				t.Fatal("Clone returned nil")
			}
			if tt.config == nil {
				return
			}
			if clone == tt.config {
				t.Error("Clone returned the same pointer")
			}
			if clone.String() != tt.config.String() {
				t.Errorf("Clone differs:\n%s\n%s", clone, tt.config)
			}
		})
	}
}
