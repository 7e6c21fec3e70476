package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrNoEndpoints is returned when no etcd endpoint is configured.
var ErrNoEndpoints = errors.New("no etcd endpoints configured")

// NewClient connects to etcd and fails fast unless one of the endpoints answers
// a status request within timeout. Worker registration and discovery both
// depend on etcd, so an unreachable cluster is a startup error.
func NewClient(ctx context.Context, endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	var lastErr error
	for _, ep := range endpoints {
		statusCtx, cancel := context.WithTimeout(ctx, timeout)
		_, lastErr = cli.Status(statusCtx, ep)
		cancel()
		if lastErr == nil {
			return cli, nil
		}
	}
	_ = cli.Close()
	return nil, fmt.Errorf("etcd unreachable at %v: %w", endpoints, lastErr)
}
