package main

import (
	"testing"

	"github.com/rattsbas/aegis/internal/config"
)

func TestGetPort_FromConfig(t *testing.T) {
	cfg := &config.Config{Port: 3000}
	if got := getPort(cfg); got != "3000" {
		t.Errorf("getPort() = %q, want %q", got, "3000")
	}
}

func TestGetPort_DefaultPortValue(t *testing.T) {
	cfg := &config.Config{Port: 8080}
	if got := getPort(cfg); got != "8080" {
		t.Errorf("getPort() = %q, want %q", got, "8080")
	}
}

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version must not be empty")
	}
}

func TestStrategyFor(t *testing.T) {
	cases := []struct {
		name string
		cfg  *config.Config
		want string
	}{
		{"adaptive wins", &config.Config{AdaptiveRetrievalEnabled: true, ParallelSearchEnabled: true}, "adaptive"},
		{"parallel without adaptive", &config.Config{ParallelSearchEnabled: true}, "parallel_v1"},
		{"legacy fallback", &config.Config{}, "legacy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(strategyFor(tc.cfg)); got != tc.want {
				t.Errorf("strategyFor() = %q, want %q", got, tc.want)
			}
		})
	}
}
