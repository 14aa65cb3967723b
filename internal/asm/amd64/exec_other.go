//go:build !((linux || darwin || windows) && amd64)

package amd64

import (
	"fmt"
	"runtime"
)

func mapRegion(size int) ([]byte, error) {
	return nil, fmt.Errorf("unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
}

func protectExec(mem []byte) error {
	return fmt.Errorf("unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
}

func unmapRegion(mem []byte) error {
	return nil
}

func callNative(entry uintptr, args []uintptr) uintptr {
	panic(fmt.Sprintf("amd64: native calls are unsupported on %s/%s", runtime.GOOS, runtime.GOARCH))
}
