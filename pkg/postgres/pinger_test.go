package postgres

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func testConfig() config.PostgresConfig {
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "eve_sde_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "eve_admin"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		ConnectTimeout:  2 * time.Second,
		ConnMaxLifetime: time.Minute,
	}
}

func TestPingerUnreachableHoldsNoPool(t *testing.T) {
	cfg := testConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1
	p := NewPinger(cfg)
	defer p.Close()

	if err := p.Ping(context.Background()); err == nil {
		t.Fatal("expected error pinging a closed port")
	}
	if p.client != nil {
		t.Error("failed ping must not keep a pool")
	}
}

func TestPingerReusesPool(t *testing.T) {
	p := NewPinger(testConfig())
	defer p.Close()

	if err := p.Ping(context.Background()); err != nil {
		t.Skipf("skipping postgres test: postgres unavailable: %v", err)
	}
	first := p.client
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("second ping: %v", err)
	}
	if p.client != first {
		t.Error("expected the second ping to ping the held pool")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.client != nil {
		t.Error("close must drop the pool")
	}
}
