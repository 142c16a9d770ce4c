package region

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shehryarbajwa/browserhub/internal/browser"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Region represents a geographical region
type Region string

const (
	RegionUSWest2    Region = "us-west-2"
	RegionUSEast1    Region = "us-east-1"
	RegionEUCentral1 Region = "eu-central-1"
)

// DefaultRegions is the set of regions launched when none are configured
var DefaultRegions = []Region{RegionUSWest2, RegionUSEast1, RegionEUCentral1}

// Pool is one region's browser provisioner
type Pool interface {
	Create(ctx context.Context, opts models.CreateOptions) (*models.BrowserHandle, error)
	Delete(ctx context.Context, id string) error
	EnsureImage(ctx context.Context) error
	Close() error
}

// Manager routes browser provisioning across regional pools. Vendor session
// ids carry their region as "<region>/<id>" so deletes land on the right pool.
type Manager struct {
	pools    map[Region]Pool
	fallback Region
	mu       sync.RWMutex
}

// NewManager creates a docker-backed pool per region. The first region is the fallback.
func NewManager(regions []Region, image, publishHost string) (*Manager, error) {
	if len(regions) == 0 {
		regions = DefaultRegions
	}

	pools := make(map[Region]Pool, len(regions))
	for _, r := range regions {
		cfg := browser.DefaultPoolConfig(string(r))
		if image != "" {
			cfg.Image = image
		}
		if publishHost != "" {
			cfg.Host = publishHost
		}
		pool, err := browser.NewPool(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool for %s: %w", r, err)
		}
		pools[r] = pool
	}

	return NewManagerWithPools(pools, regions[0]), nil
}

// NewManagerWithPools builds a manager over existing pools
func NewManagerWithPools(pools map[Region]Pool, fallback Region) *Manager {
	return &Manager{
		pools:    pools,
		fallback: fallback,
	}
}

// RouteSession determines the region a new browser should launch in
func (m *Manager) RouteSession(requested string) Region {
	region := Region(requested)

	m.mu.RLock()
	_, exists := m.pools[region]
	m.mu.RUnlock()

	if exists {
		return region
	}
	return m.fallback
}

// Create launches a browser in the requested region, or the fallback region
func (m *Manager) Create(ctx context.Context, opts models.CreateOptions) (*models.BrowserHandle, error) {
	region := m.RouteSession(opts.Region)

	m.mu.RLock()
	pool, ok := m.pools[region]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported region: %s", region)
	}

	handle, err := pool.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", region, err)
	}
	handle.VendorSessionID = string(region) + "/" + handle.VendorSessionID
	handle.Region = string(region)
	return handle, nil
}

// Delete tears down the browser named by a vendor session id from Create
func (m *Manager) Delete(ctx context.Context, vendorSessionID string) error {
	region, id, ok := strings.Cut(vendorSessionID, "/")
	if !ok {
		return m.deleteAnywhere(ctx, vendorSessionID)
	}

	m.mu.RLock()
	pool, exists := m.pools[Region(region)]
	m.mu.RUnlock()
	if !exists {
		return m.deleteAnywhere(ctx, id)
	}
	return pool.Delete(ctx, id)
}

// deleteAnywhere tries every region; not-found everywhere is reported as such
func (m *Manager) deleteAnywhere(ctx context.Context, id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	for _, pool := range m.pools {
		err := pool.Delete(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, browser.ErrInstanceNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: %s", browser.ErrInstanceNotFound, id)
}

// EnsureImages ensures the browser image is available in all regions
func (m *Manager) EnsureImages(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for region, pool := range m.pools {
		if err := pool.EnsureImage(ctx); err != nil {
			return fmt.Errorf("failed to ensure image in %s: %w", region, err)
		}
	}
	return nil
}

// GetRegions returns all available regions
func (m *Manager) GetRegions() []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regions := make([]Region, 0, len(m.pools))
	for region := range m.pools {
		regions = append(regions, region)
	}
	return regions
}

// Close closes all browser pools
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, pool := range m.pools {
		if err := pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
