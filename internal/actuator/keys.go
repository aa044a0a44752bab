package actuator

import (
	"context"
	"fmt"
	"strings"
)

// Virtual key codes shared by the media-key and keypress adapters.
const (
	vkMediaNextTrack = 0xB0
	vkMediaPlayPause = 0xB3
)

var specialVKMap = map[string]int{
	"space":  0x20,
	"enter":  0x0D,
	"tab":    0x09,
	"esc":    0x1B,
	"escape": 0x1B,
	"up":     0x26,
	"down":   0x28,
	"left":   0x25,
	"right":  0x27,
	"f1":     0x70, "f2": 0x71, "f3": 0x72, "f4": 0x73,
	"f5": 0x74, "f6": 0x75, "f7": 0x76, "f8": 0x77,
	"f9": 0x78, "f10": 0x79, "f11": 0x7A, "f12": 0x7B,
}

func keyToVK(name string) (int, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return 0, fmt.Errorf("keypress key parameter is required")
	}
	if vk, ok := specialVKMap[key]; ok {
		return vk, nil
	}
	if len(key) == 1 && key[0] >= 'a' && key[0] <= 'z' {
		return int(key[0] - 'a' + 'A'), nil
	}
	if len(key) == 1 && key[0] >= '0' && key[0] <= '9' {
		return int(key[0]), nil
	}
	return 0, fmt.Errorf("unsupported keypress key: %s", name)
}

// MediaKeys synthesizes next/pause/resume media key events.
type MediaKeys struct {
	// Op is one of music_next, music_pause, music_resume.
	Op string

	// sendKey is swapped in tests; nil means the platform implementation.
	sendKey func(vk int) error
}

func NewMediaKeys(op string) *MediaKeys {
	return &MediaKeys{Op: op}
}

func (m *MediaKeys) Invoke(_ context.Context, _ Request) Outcome {
	started := nowUTC()
	if m == nil {
		return failure(started, CodeAdapterError, "media keys not configured")
	}

	var vk int
	var vkName string
	switch m.Op {
	case "music_next":
		vk, vkName = vkMediaNextTrack, "VK_MEDIA_NEXT_TRACK"
	case "music_pause", "music_resume":
		vk, vkName = vkMediaPlayPause, "VK_MEDIA_PLAY_PAUSE"
	default:
		return failure(started, CodeAdapterError, fmt.Sprintf("unsupported music op: %s", m.Op))
	}

	send := m.sendKey
	if send == nil {
		send = sendVirtualKey
	}
	if err := send(vk); err != nil {
		return failure(started, CodeAdapterError, err.Error())
	}
	return success(started, map[string]any{"virtual_key": vkName, "vk_code": vk})
}

// Keypress is the guarded virtual-keypress adapter. It only dispatches when the
// current foreground process is in the allow-list.
type Keypress struct {
	Allowed []string

	// Foreground resolves the current foreground process name (usually the
	// app.foreground state key).
	Foreground func() string

	sendKey func(vk int) error
}

func (k *Keypress) Invoke(_ context.Context, req Request) Outcome {
	started := nowUTC()
	if k == nil {
		return failure(started, CodeAdapterError, "keypress not configured")
	}

	foreground := ""
	if k.Foreground != nil {
		foreground = strings.ToLower(strings.TrimSpace(k.Foreground()))
	}
	allowed := false
	for _, name := range k.Allowed {
		if strings.ToLower(strings.TrimSpace(name)) == foreground && foreground != "" {
			allowed = true
			break
		}
	}
	if !allowed {
		return failure(started, CodeForegroundMismatch,
			fmt.Sprintf("foreground %q is not in the keypress allow-list", foreground))
	}

	vk, err := keyToVK(paramString(req.Parameters, "key"))
	if err != nil {
		return failure(started, CodeAdapterError, err.Error())
	}
	send := k.sendKey
	if send == nil {
		send = sendVirtualKey
	}
	if err := send(vk); err != nil {
		return failure(started, CodeAdapterError, err.Error())
	}
	return success(started, map[string]any{"key": paramString(req.Parameters, "key"), "vk_code": vk})
}
