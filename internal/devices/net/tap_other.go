//go:build !linux

package net

import "fmt"

func openTap(name string) (Backend, error) {
	return nil, fmt.Errorf("tap devices are only supported on linux")
}
