//go:build !linux

package sysutil

import "context"

var ProcMounts = ""

func WaitForMount(ctx context.Context, devPath string) string { return "" }
