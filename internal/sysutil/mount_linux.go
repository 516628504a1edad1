//go:build linux

package sysutil

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"
)

// ProcMounts 可在测试中替换
var ProcMounts = "/proc/mounts"

// WaitForMount 轮询 /proc/mounts 等待设备挂载
func WaitForMount(ctx context.Context, devPath string) string {
	// 尝试 3 秒，因为 Udev event 触发时，文件系统可能还没挂载好
	for i := 0; i < 30; i++ {
		if mp := mountPointOf(devPath); mp != "" {
			return mp
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(100 * time.Millisecond):
		}
	}
	return ""
}

func mountPointOf(devPath string) string {
	f, err := os.Open(ProcMounts)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == devPath {
			return unescapeMountPath(fields[1])
		}
	}
	return ""
}

// /proc/mounts 里空格等字符被转义成 \040 这种八进制形式
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
