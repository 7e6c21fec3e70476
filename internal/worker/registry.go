// internal/worker/registry.go
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"job-dispatch/internal/wire"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Registry handles the registration of a worker in etcd.
type Registry struct {
	client  *clientv3.Client
	codec   *wire.Codec
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string

	// stopKeepAlive ends the keep-alive stream on Deregister.
	stopKeepAlive context.CancelFunc
}

// NewRegistry creates a new worker registry.
func NewRegistry(client *clientv3.Client, codec *wire.Codec, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		codec:  codec,
		logger: logger.With("component", "worker-registry"),
	}
}

// Register stores info under the worker's key with a lease of ttl seconds
// and keeps the lease alive until Deregister.
func (r *Registry) Register(ctx context.Context, info wire.WorkerInfo, ttl int64) error {
	value, err := r.codec.EncodeWorkerInfo(info)
	if err != nil {
		return err
	}
	r.key = wire.WorkerKey(info.ID)

	// 1. Create a new lease with a TTL.
	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	// 2. Put the registration under the lease.
	if _, err := r.client.Put(ctx, r.key, value, clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put worker registration key: %w", err)
	}

	// 3. Keep the lease alive independently of ctx.
	kaCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := r.client.KeepAlive(kaCtx, r.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	r.stopKeepAlive = cancel

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		// A closed channel means the lease was revoked, expired or the stream was stopped.
		r.logger.Warn("keep-alive channel closed, worker registration may have expired")
	}()

	r.logger.Info("worker registered successfully", "key", r.key, "addr", info.Addr, "jobs", info.Jobs)
	return nil
}

// Deregister revokes the lease, which deletes the worker's key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering worker", "key", r.key)
	if r.stopKeepAlive != nil {
		r.stopKeepAlive()
	}
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
