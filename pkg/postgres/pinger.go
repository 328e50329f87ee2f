package postgres

import (
	"context"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/config"
)

// Pinger keeps one small pool open for health checks so each check is a
// single ping. A failed ping drops the pool and the next check reconnects.
type Pinger struct {
	cfg config.PostgresConfig

	mu     sync.Mutex
	client *Client
}

func NewPinger(cfg config.PostgresConfig) *Pinger {
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	return &Pinger{cfg: cfg}
}

// Ping pings postgres, connecting first if no pool is held.
func (p *Pinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := New(ctx, p.cfg)
		if err != nil {
			return err
		}
		p.client = client
		return nil
	}
	if err := p.client.Ping(ctx); err != nil {
		p.client.Close()
		p.client = nil
		return err
	}
	return nil
}

func (p *Pinger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
