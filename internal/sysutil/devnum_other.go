//go:build !linux

package sysutil

import "errors"

func DeviceNumber(path string) (major, minor uint32, err error) {
	return 0, 0, errors.New("device numbers are only available on linux")
}
