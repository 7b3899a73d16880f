package hardware

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func newTestFinder(ports []*enumerator.PortDetails) *VendorFinder {
	f := NewVendorFinder(0x0483, "", nil)
	f.listPorts = func() ([]*enumerator.PortDetails, error) { return ports, nil }
	f.permission = func(string) error { return nil }
	return f
}

func TestVendorFinderMatchesVID(t *testing.T) {
	f := newTestFinder([]*enumerator.PortDetails{
		{Name: "/dev/ttyS0", IsUSB: false},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "0483", PID: "5740"},
	})

	path, err := f.Find()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", path)
}

func TestVendorFinderPrefersLastPath(t *testing.T) {
	f := newTestFinder([]*enumerator.PortDetails{
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "0483"},
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "0483"},
	})
	f.lastPath = "/dev/ttyACM1"

	path, err := f.Find()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", path)
}

func TestVendorFinderNotFound(t *testing.T) {
	f := newTestFinder([]*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1A86"},
	})

	_, err := f.Find()
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestVendorFinderPermission(t *testing.T) {
	f := newTestFinder([]*enumerator.PortDetails{
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "0483"},
	})
	f.permission = func(path string) error {
		return errors.Join(ErrPermissionDenied, errors.New(path))
	}

	_, err := f.Find()
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, f.lastPath)
}

func TestVendorFinderExplicitPort(t *testing.T) {
	dev := filepath.Join(t.TempDir(), "ttyFAKE0")
	require.NoError(t, os.WriteFile(dev, nil, 0o600))

	f := NewVendorFinder(0x0483, dev, nil)
	f.listPorts = func() ([]*enumerator.PortDetails, error) {
		t.Fatal("配置了固定端口时不应枚举")
		return nil, nil
	}

	path, err := f.Find()
	require.NoError(t, err)
	assert.Equal(t, dev, path)

	missing := NewVendorFinder(0x0483, dev+"x", nil)
	_, err = missing.Find()
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestNormalizeVID(t *testing.T) {
	assert.Equal(t, "0483", normalizeVID("483"))
	assert.Equal(t, "1a86", normalizeVID("0x1A86"))
	assert.Equal(t, "zz", normalizeVID("zz"))
}
