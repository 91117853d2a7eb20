package config

import "testing"

func TestLoad_RejectsShortEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "too-short")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short ENCRYPTION_KEY, got nil")
	}
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "01234567890123456789012345678901")
	t.Setenv("MERGE_WINDOW", "2500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Merge.Window.Milliseconds() != 2500 {
		t.Errorf("expected merge window override, got %v", cfg.Merge.Window)
	}
	if cfg.Kafka.RetrieveTopic == "" || cfg.Kafka.InferTopic == "" || cfg.Kafka.ReplyTopic == "" {
		t.Errorf("expected default kafka topics to be set")
	}
}

func TestLoad_RejectsWindowOutOfRange(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "01234567890123456789012345678901")
	t.Setenv("MERGE_WINDOW", "5s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for merge window outside [1500ms, 3000ms]")
	}
}
