//go:build !windows

package actuator

import "errors"

func sendVirtualKey(_ int) error {
	return errors.New("virtual key synthesis is only supported on windows")
}
