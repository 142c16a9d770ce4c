package region

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserhub/internal/browser"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

type fakePool struct {
	region  string
	created int
	live    map[string]bool
	failDel error
}

func newFakePool(region string) *fakePool {
	return &fakePool{region: region, live: map[string]bool{}}
}

func (p *fakePool) Create(_ context.Context, _ models.CreateOptions) (*models.BrowserHandle, error) {
	p.created++
	id := fmt.Sprintf("c%d", p.created)
	p.live[id] = true
	return &models.BrowserHandle{VendorSessionID: id, ControlURL: "ws://" + p.region}, nil
}

func (p *fakePool) Delete(_ context.Context, id string) error {
	if p.failDel != nil {
		return p.failDel
	}
	if !p.live[id] {
		return browser.ErrInstanceNotFound
	}
	delete(p.live, id)
	return nil
}

func (p *fakePool) EnsureImage(context.Context) error { return nil }
func (p *fakePool) Close() error                      { return nil }

func TestRouteSession(t *testing.T) {
	m := NewManagerWithPools(map[Region]Pool{
		RegionUSWest2:    newFakePool("w"),
		RegionEUCentral1: newFakePool("eu"),
	}, RegionUSWest2)

	assert.Equal(t, RegionEUCentral1, m.RouteSession("eu-central-1"))
	assert.Equal(t, RegionUSWest2, m.RouteSession("ap-south-1"))
	assert.Equal(t, RegionUSWest2, m.RouteSession(""))
}

func TestCreateEncodesRegion(t *testing.T) {
	eu := newFakePool("eu")
	m := NewManagerWithPools(map[Region]Pool{
		RegionUSWest2:    newFakePool("w"),
		RegionEUCentral1: eu,
	}, RegionUSWest2)

	h, err := m.Create(context.Background(), models.CreateOptions{Region: "eu-central-1"})
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1/c1", h.VendorSessionID)
	assert.Equal(t, "eu-central-1", h.Region)

	require.NoError(t, m.Delete(context.Background(), h.VendorSessionID))
	assert.Empty(t, eu.live)

	err = m.Delete(context.Background(), h.VendorSessionID)
	assert.ErrorIs(t, err, browser.ErrInstanceNotFound)
}

func TestDeleteWithoutRegionTriesEveryPool(t *testing.T) {
	w := newFakePool("w")
	m := NewManagerWithPools(map[Region]Pool{
		RegionUSWest2: w,
		RegionUSEast1: newFakePool("e"),
	}, RegionUSWest2)

	w.live["legacy"] = true
	require.NoError(t, m.Delete(context.Background(), "legacy"))

	err := m.Delete(context.Background(), "unknown")
	assert.ErrorIs(t, err, browser.ErrInstanceNotFound)
}

func TestDeleteSurfacesDaemonErrors(t *testing.T) {
	boom := errors.New("daemon unavailable")
	w := newFakePool("w")
	w.failDel = boom
	m := NewManagerWithPools(map[Region]Pool{RegionUSWest2: w}, RegionUSWest2)

	err := m.Delete(context.Background(), "whatever")
	assert.ErrorIs(t, err, boom)
}
