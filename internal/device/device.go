// Package device provides the managed-device records the relay needs:
// identity, reachability and out-of-band management credentials.
package device

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("device not found")

// AMTInfo is the out-of-band management controller config of a device.
// Pass never leaves the relay core; see CloneSafe.
type AMTInfo struct {
	User string `bson:"user" json:"user"`
	Pass string `bson:"pass" json:"-"`
	TLS  bool   `bson:"tls" json:"tls"`
}

// Device is a managed node record from the persistence collaborator.
type Device struct {
	ID       string   `bson:"_id" json:"id"`
	DomainID string   `bson:"domain" json:"domain"`
	GroupID  string   `bson:"meshid" json:"meshid"`
	Name     string   `bson:"name" json:"name"`
	Host     string   `bson:"host" json:"host"`
	AMT      *AMTInfo `bson:"intelamt,omitempty" json:"intelamt,omitempty"`
}

// CloneSafe returns a copy with the management password stripped, for
// anything that leaves the core (events, logs, peer frames).
func (d *Device) CloneSafe() *Device {
	out := *d
	if d.AMT != nil {
		amt := *d.AMT
		amt.Pass = ""
		out.AMT = &amt
	}
	return &out
}

// Store is the device lookup collaborator.
type Store interface {
	Get(ctx context.Context, id string) (*Device, error)
}

// MemoryStore is an in-process Store for tests and single-binary
// deployments without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*Device)}
}

func (s *MemoryStore) Put(d *Device) {
	s.mu.Lock()
	s.devices[d.ID] = d
	s.mu.Unlock()
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}
