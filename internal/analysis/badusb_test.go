package analysis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInterface(t *testing.T, root, name, class string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bInterfaceClass"), []byte(class+"\n"), 0o644))
}

func TestCheckBadUSB(t *testing.T) {
	storage := t.TempDir()
	writeInterface(t, storage, "1-1:1.0", "08")
	bad, kind := CheckBadUSB(storage)
	assert.False(t, bad)
	assert.Equal(t, DeviceTypeUDisk, kind)

	combo := t.TempDir()
	writeInterface(t, combo, "1-2:1.0", "08")
	writeInterface(t, combo, "1-2:1.1", "03")
	bad, kind = CheckBadUSB(combo)
	assert.True(t, bad)
	assert.Equal(t, DeviceTypeBadUSB, kind)

	keyboard := t.TempDir()
	writeInterface(t, keyboard, "1-3:1.0", "03")
	_, kind = CheckBadUSB(keyboard)
	assert.Equal(t, DeviceTypeOther, kind)

	_, kind = CheckBadUSB(filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, DeviceTypeUnknown, kind)
}
