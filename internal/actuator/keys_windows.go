//go:build windows

package actuator

import "syscall"

var (
	user32        = syscall.NewLazyDLL("user32.dll")
	procKeybdEvent = user32.NewProc("keybd_event")
)

const keyEventFKeyUp = 0x0002

func sendVirtualKey(vk int) error {
	// Press then release; keybd_event has no useful return value.
	_, _, _ = procKeybdEvent.Call(uintptr(vk), 0, 0, 0)
	_, _, _ = procKeybdEvent.Call(uintptr(vk), 0, keyEventFKeyUp, 0)
	return nil
}
