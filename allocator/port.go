// Package allocator hands out the scarce resources provisioning depends
// on: non-colliding game ports per provider, and pooled login tokens.
package allocator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxPortAttempts caps the sample-and-check loop so a fully used range
// fails instead of spinning forever
const maxPortAttempts = 50

// reservationTTL bounds how long a reserved port can sit without the
// owning server reaching a probed state. Provisioning that takes longer
// than this has already failed.
const reservationTTL = 10 * time.Minute

// PortRange is the provider-configured allocation window
type PortRange struct {
	Min         int
	Max         int
	Granularity int // candidate ports are rounded to multiples of this
}

// PortLister reports the ports currently held by non-terminal servers on a provider
type PortLister interface {
	ActivePorts(ctx context.Context, providerID string) ([]int, error)
}

// Reservations is the short-lived reservation store closing the window
// between sampling a port and the provider accepting it. Redis-backed in
// production, in-memory in tests.
type Reservations interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisReservations implements Reservations on redis SETNX
type RedisReservations struct {
	Client redis.UniversalClient
}

func (r *RedisReservations) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(key, 1, ttl).Result()
}

func (r *RedisReservations) Release(ctx context.Context, key string) error {
	return r.Client.Del(key).Err()
}

// PortAllocatorOptions contains the dependencies for the port allocator
type PortAllocatorOptions struct {
	Ports        PortLister
	Reservations Reservations
	Logger       *zap.Logger
}

// PortAllocator assigns non-colliding ports within a provider's range
type PortAllocator struct {
	PortAllocatorOptions
}

func NewPortAllocator(option PortAllocatorOptions) (*PortAllocator, error) {
	if option.Ports == nil {
		return nil, fmt.Errorf("nil PortLister is invalid")
	}
	if option.Reservations == nil {
		return nil, fmt.Errorf("nil Reservations is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &PortAllocator{
		PortAllocatorOptions: option,
	}, nil
}

func reservationKey(providerID string, port int) string {
	return fmt.Sprintf("port:%s:%d", providerID, port)
}

// Allocate picks a random port in the provider's range, rounded to the
// range granularity, that neither collides with a live server's port nor
// with a concurrent allocation's reservation. The reservation is held
// until Release, or until the TTL reclaims it.
func (a *PortAllocator) Allocate(ctx context.Context, providerID string, rng PortRange) (int, error) {
	if rng.Min <= 0 || rng.Max < rng.Min {
		return 0, fmt.Errorf("invalid port range [%d, %d]", rng.Min, rng.Max)
	}
	granularity := rng.Granularity
	if granularity <= 0 {
		granularity = 2
	}

	inUse, err := a.Ports.ActivePorts(ctx, providerID)
	if err != nil {
		return 0, extErrors.Wrap(err, "Cannot list ports in use")
	}
	used := make(map[int]struct{}, len(inUse))
	for _, p := range inUse {
		used[p] = struct{}{}
	}

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port := (rng.Min + rand.Intn(rng.Max-rng.Min+1)) / granularity * granularity
		if port < rng.Min || port > rng.Max {
			continue
		}
		if _, taken := used[port]; taken {
			continue
		}
		reserved, err := a.Reservations.Reserve(ctx, reservationKey(providerID, port), reservationTTL)
		if err != nil {
			return 0, extErrors.Wrap(err, "Cannot reserve port")
		}
		if !reserved {
			continue
		}
		a.Logger.Debug("Allocated port",
			zap.String("ProviderID", providerID),
			zap.Int("Port", port),
		)
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range [%d, %d] after %d attempts", rng.Min, rng.Max, maxPortAttempts)
}

// Release frees the reservation for a previously allocated port
func (a *PortAllocator) Release(ctx context.Context, providerID string, port int) {
	if err := a.Reservations.Release(ctx, reservationKey(providerID, port)); err != nil {
		a.Logger.Warn("Cannot release port reservation",
			zap.String("ProviderID", providerID),
			zap.Int("Port", port),
			zap.Error(err),
		)
	}
}
