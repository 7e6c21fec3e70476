package wire

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// WorkerRegistryPrefix is the etcd prefix under which workers register themselves.
const WorkerRegistryPrefix = "/jobdispatch/workers/"

// WorkerInfo is the value a worker stores under its registry key.
type WorkerInfo struct {
	ID        string    `cbor:"id"`
	Addr      string    `cbor:"addr"`
	Jobs      []string  `cbor:"jobs"`
	StartedAt time.Time `cbor:"started_at"`
}

// Serves reports whether the worker advertises the named job.
func (w WorkerInfo) Serves(job string) bool {
	return slices.Contains(w.Jobs, job)
}

// WorkerKey returns the registry key for a worker ID.
func WorkerKey(id string) string {
	return WorkerRegistryPrefix + id
}

// WorkerID extracts the worker ID from a registry key.
func WorkerID(key string) string {
	return strings.TrimPrefix(key, WorkerRegistryPrefix)
}

// EncodeWorkerInfo serializes a registration value.
func (c *Codec) EncodeWorkerInfo(w WorkerInfo) (string, error) {
	b, err := c.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode worker %s: %w", w.ID, err)
	}
	return string(b), nil
}

// DecodeWorkerInfo parses a registration value.
func (c *Codec) DecodeWorkerInfo(value []byte) (WorkerInfo, error) {
	var w WorkerInfo
	if err := c.Unmarshal(value, &w); err != nil {
		return WorkerInfo{}, fmt.Errorf("decode worker info: %w", err)
	}
	if w.Addr == "" {
		return WorkerInfo{}, fmt.Errorf("decode worker info: missing address")
	}
	return w, nil
}
