package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Hara602/usbguard/internal/sysutil"
	"github.com/Hara602/usbguard/internal/sysutil/sysfstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestResolver returns a resolver over a fake sysfs and an empty by-uuid dir.
func newTestResolver(t *testing.T, hid bool) (*Resolver, string) {
	t.Helper()
	tree := sysfstest.Build(t, hid)

	devDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "sdb1"), nil, 0o644))
	byUUID := filepath.Join(devDir, "disk", "by-uuid")
	require.NoError(t, os.MkdirAll(byUUID, 0o755))

	r := New(zaptest.NewLogger(t))
	r.SysFS = sysutil.SysFS{Root: tree.Root}
	r.ByUUIDDir = byUUID
	r.DevLookup = func(string) (string, error) { return "sdb1", nil }
	r.UdevSerial = func(context.Context, string) (string, error) { return "", errors.New("no udev db") }
	return r, devDir
}

func TestResolve_VolumeUUIDFirst(t *testing.T) {
	r, _ := newTestResolver(t, false)
	require.NoError(t, os.Symlink("../../sdb1", filepath.Join(r.ByUUIDDir, "1234-ABCD")))

	info, err := r.Resolve(context.Background(), "/media/usb")
	require.NoError(t, err)
	assert.Equal(t, "1234-ABCD", info.Serial)
	assert.Equal(t, "/dev/sdb1", info.BlockDev)
	assert.Equal(t, sysfstest.USBVendor, info.VendorID)
	assert.Equal(t, sysfstest.USBProduct, info.ProductID)
	assert.Equal(t, sysfstest.USBName, info.Product)
	assert.Equal(t, "udisk", info.DeviceType)
	assert.NotEmpty(t, info.BusPath)
}

func TestResolve_UdevSerial(t *testing.T) {
	r, _ := newTestResolver(t, false)
	r.UdevSerial = func(_ context.Context, dev string) (string, error) {
		assert.Equal(t, "/dev/sdb1", dev)
		return "Kingston_DataTraveler_3.0_60A44C", nil
	}

	info, err := r.Resolve(context.Background(), "/media/usb")
	require.NoError(t, err)
	assert.Equal(t, "Kingston_DataTraveler_3.0_60A44C", info.Serial)
}

func TestResolve_SysfsSerialLast(t *testing.T) {
	r, _ := newTestResolver(t, false)

	info, err := r.Resolve(context.Background(), "/media/usb")
	require.NoError(t, err)
	assert.Equal(t, sysfstest.USBSerial, info.Serial)
}

func TestResolve_BadUSB(t *testing.T) {
	r, _ := newTestResolver(t, true)

	info, err := r.Resolve(context.Background(), "/media/usb")
	require.NoError(t, err)
	assert.Equal(t, "BADUSB_SUSPECT", info.DeviceType)
}

func TestResolve_NoBlockDevice(t *testing.T) {
	r, _ := newTestResolver(t, false)
	r.DevLookup = func(string) (string, error) { return "", errors.New("stat failed") }

	info, err := r.Resolve(context.Background(), "/media/usb")
	assert.Error(t, err)
	assert.Empty(t, info.Serial)
}

func TestUsableSerial(t *testing.T) {
	assert.False(t, usableSerial(""))
	assert.False(t, usableSerial("000000000000"))
	assert.False(t, usableSerial("unknown"))
	assert.True(t, usableSerial("60A44C413E4AF1B0"))
}
