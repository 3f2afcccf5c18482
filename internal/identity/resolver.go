// Package identity maps device hardware identifiers to vehicle ids
// through a three-tier cache: process-local map, shared expiring
// cache, durable store.
package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bustrack-svr/internal/store"
)

// noVehicle is the negative-cache sentinel: the device was looked up
// and has no vehicle linked. Distinct from "not yet looked up".
const noVehicle = "-"

func cacheKey(deviceID string) string {
	return "device:" + deviceID + ":vehicle"
}

type localEntry struct {
	vehicleID string
	expires   time.Time
}

type Resolver struct {
	ttl     time.Duration
	cache   store.Cache
	devices store.Devices
	logger  *slog.Logger

	mu    sync.Mutex
	local map[string]localEntry
}

func NewResolver(ttl time.Duration, cache store.Cache, devices store.Devices, logger *slog.Logger) *Resolver {
	return &Resolver{
		ttl:     ttl,
		cache:   cache,
		devices: devices,
		logger:  logger.With("component", "identity"),
		local:   make(map[string]localEntry),
	}
}

// Resolve returns the vehicle id linked to the device, or empty when
// none is linked. Shared-cache failures degrade to the durable store;
// only a durable-store failure returns an error.
func (r *Resolver) Resolve(ctx context.Context, deviceID string) (string, error) {
	now := time.Now()

	r.mu.Lock()
	if e, ok := r.local[deviceID]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		return e.vehicleID, nil
	}
	r.mu.Unlock()

	if val, ok, err := r.cache.Get(ctx, cacheKey(deviceID)); err != nil {
		r.logger.Warn("shared cache lookup failed, falling through", "device", deviceID, "err", err)
	} else if ok {
		vehicleID := val
		if val == noVehicle {
			vehicleID = ""
		}
		r.remember(deviceID, vehicleID, now)
		return vehicleID, nil
	}

	vehicleID, err := r.devices.FindVehicleByDeviceID(ctx, deviceID)
	if err != nil {
		return "", err
	}

	cached := vehicleID
	if cached == "" {
		cached = noVehicle
	}
	if err := r.cache.Set(ctx, cacheKey(deviceID), cached, r.ttl); err != nil {
		r.logger.Warn("shared cache populate failed", "device", deviceID, "err", err)
	}
	r.remember(deviceID, vehicleID, now)
	return vehicleID, nil
}

// Invalidate drops a device from both cache tiers, e.g. after the
// device/vehicle link changes.
func (r *Resolver) Invalidate(ctx context.Context, deviceID string) {
	r.mu.Lock()
	delete(r.local, deviceID)
	r.mu.Unlock()
	if err := r.cache.Del(ctx, cacheKey(deviceID)); err != nil {
		r.logger.Warn("shared cache invalidate failed", "device", deviceID, "err", err)
	}
}

// InvalidateAll drops every device mapping from both tiers using a
// cursor scan on the shared cache.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	r.mu.Lock()
	r.local = make(map[string]localEntry)
	r.mu.Unlock()
	return r.cache.Scan(ctx, "device:*:vehicle", func(key string) error {
		return r.cache.Del(ctx, key)
	})
}

func (r *Resolver) remember(deviceID, vehicleID string, now time.Time) {
	r.mu.Lock()
	r.local[deviceID] = localEntry{vehicleID: vehicleID, expires: now.Add(r.ttl)}
	r.mu.Unlock()
}

// Run sweeps expired local entries until the context ends.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for k, e := range r.local {
				if now.After(e.expires) {
					delete(r.local, k)
				}
			}
			r.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
