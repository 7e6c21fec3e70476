// internal/master/discovery.go
package master

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"job-dispatch/internal/domain"
	"job-dispatch/internal/metrics"
	"job-dispatch/internal/wire"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// WorkerDiscovery handles discovering and tracking available worker nodes.
type WorkerDiscovery struct {
	client  *clientv3.Client
	codec   *wire.Codec
	logger  *slog.Logger
	workers map[string]wire.WorkerInfo // map of workerID -> registration
	mu      sync.RWMutex
}

// NewWorkerDiscovery creates a new discovery service.
func NewWorkerDiscovery(client *clientv3.Client, codec *wire.Codec, logger *slog.Logger) *WorkerDiscovery {
	return &WorkerDiscovery{
		client:  client,
		codec:   codec,
		logger:  logger.With("component", "worker-discovery"),
		workers: make(map[string]wire.WorkerInfo),
	}
}

// WatchWorkers starts watching etcd for worker registrations and deregistrations.
// This is a blocking call and should be run in a goroutine.
func (d *WorkerDiscovery) WatchWorkers(ctx context.Context) {
	d.logger.Info("starting to watch for workers")

	// 1. Initial load of all existing workers
	if err := d.loadInitialWorkers(ctx); err != nil {
		d.logger.Error("failed to perform initial worker load", "error", err)
	}

	// 2. Set up a watch for future changes
	watchChan := d.client.Watch(ctx, wire.WorkerRegistryPrefix, clientv3.WithPrefix())

	for watchResp := range watchChan {
		if err := watchResp.Err(); err != nil {
			d.logger.Warn("worker watch error", "error", err)
			continue
		}
		for _, event := range watchResp.Events {
			id := wire.WorkerID(string(event.Kv.Key))
			switch event.Type {
			case clientv3.EventTypePut:
				d.put(id, event.Kv.Value)
			case clientv3.EventTypeDelete:
				d.remove(id)
			}
		}
	}
	d.logger.Info("stopped watching for workers")
}

func (d *WorkerDiscovery) loadInitialWorkers(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, wire.WorkerRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		d.put(wire.WorkerID(string(kv.Key)), kv.Value)
	}
	return nil
}

// put records a worker registration. Undecodable values are ignored.
func (d *WorkerDiscovery) put(id string, value []byte) {
	info, err := d.codec.DecodeWorkerInfo(value)
	if err != nil {
		d.logger.Warn("ignoring malformed worker registration", "id", id, "error", err)
		return
	}
	if info.ID == "" {
		info.ID = id
	}

	d.mu.Lock()
	if _, ok := d.workers[id]; !ok {
		d.logger.Info("new worker discovered", "id", id, "addr", info.Addr, "jobs", info.Jobs)
	}
	d.workers[id] = info
	metrics.WorkersAvailable.Set(float64(len(d.workers)))
	d.mu.Unlock()
}

// remove drops a worker whose lease expired or that deregistered.
func (d *WorkerDiscovery) remove(id string) {
	d.mu.Lock()
	if info, ok := d.workers[id]; ok {
		d.logger.Info("worker deregistered", "id", id, "addr", info.Addr)
		delete(d.workers, id)
	}
	metrics.WorkersAvailable.Set(float64(len(d.workers)))
	d.mu.Unlock()
}

// GetWorkers returns a snapshot of the currently registered workers.
func (d *WorkerDiscovery) GetWorkers() []wire.WorkerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	workers := make([]wire.WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	return workers
}

// Pick selects a random worker that advertises job.
func (d *WorkerDiscovery) Pick(job string) (wire.WorkerInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	candidates := make([]wire.WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		if w.Serves(job) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return wire.WorkerInfo{}, fmt.Errorf("%w for job %s (%d registered)", domain.ErrNoWorkers, job, len(d.workers))
	}
	return candidates[rand.Intn(len(candidates))], nil
}
