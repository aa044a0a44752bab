package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StateWriter is the slice of the store the jinx adapters need. The lighting
// tools actuate by writing jinx.* state keys that the lighting sync consumes.
type StateWriter interface {
	SetJinxState(ctx context.Context, key string, value any, source string) error
}

// NormalizeJinxEffect canonicalizes lighting effect codes: "s3" -> "S3",
// "C07" -> "C7", bare digits -> "S<n>".
func NormalizeJinxEffect(effect string) (string, error) {
	text := strings.ToUpper(strings.TrimSpace(effect))
	if text == "" {
		return "", fmt.Errorf("jinx effect is required")
	}
	if strings.HasPrefix(text, "S") || strings.HasPrefix(text, "C") {
		n, err := strconv.Atoi(text[1:])
		if err != nil {
			return "", fmt.Errorf("invalid jinx effect: %s", effect)
		}
		return fmt.Sprintf("%c%d", text[0], n), nil
	}
	if n, err := strconv.Atoi(text); err == nil {
		return fmt.Sprintf("S%d", n), nil
	}
	return "", fmt.Errorf("invalid jinx effect: %s", effect)
}

// JinxEnvMap maps environment names to effect codes, loaded from a JSON file
// with an mtime cache and a built-in fallback.
type JinxEnvMap struct {
	Path string

	mu     sync.Mutex
	mtime  time.Time
	values map[string]string
}

var jinxEnvFallback = map[string]string{
	"Normal Space":          "C7",
	"Supercruise":           "C7",
	"Docked":                "C14",
	"Planet Surface - SRV":  "C7",
	"Planet Surface - Ship": "C7",
	"Planet Orbit":          "C7",
	"Witch Space":           "C7",
	"On Foot - Planet":      "C7",
	"On Foot - Station":     "C7",
}

func (m *JinxEnvMap) Lookup(environment string) string {
	if m == nil {
		return jinxEnvFallback[environment]
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	path := strings.TrimSpace(m.Path)
	if path == "" {
		return jinxEnvFallback[environment]
	}
	st, err := os.Stat(path)
	if err != nil {
		return jinxEnvFallback[environment]
	}
	if m.values == nil || !st.ModTime().Equal(m.mtime) {
		b, err := os.ReadFile(path)
		if err != nil {
			return jinxEnvFallback[environment]
		}
		var raw map[string]string
		if err := json.Unmarshal(b, &raw); err != nil {
			return jinxEnvFallback[environment]
		}
		values := make(map[string]string, len(raw))
		for k, v := range raw {
			if normalized, err := NormalizeJinxEffect(v); err == nil {
				values[k] = normalized
			}
		}
		if len(values) > 0 {
			m.values = values
			m.mtime = st.ModTime()
		}
	}
	if v, ok := m.values[environment]; ok {
		return v
	}
	return jinxEnvFallback[environment]
}

// JinxAdapter writes one of the mutually exclusive jinx.* lighting keys. Setting
// one clears the other two so the sync loop has a single source of truth.
type JinxAdapter struct {
	Store  StateWriter
	EnvMap *JinxEnvMap
	// Op is one of set_effect, set_scene, set_chase.
	Op string
}

func (a *JinxAdapter) Invoke(ctx context.Context, req Request) Outcome {
	started := nowUTC()
	if a == nil || a.Store == nil {
		return failure(started, CodeAdapterError, "jinx adapter not configured")
	}

	set := func(effect, scene, chase any, resultKey string, resultValue any) Outcome {
		for key, value := range map[string]any{
			"jinx.effect": effect,
			"jinx.scene":  scene,
			"jinx.chase":  chase,
		} {
			if err := a.Store.SetJinxState(ctx, key, value, "brainstem_execute"); err != nil {
				return failure(started, CodeAdapterError, err.Error())
			}
		}
		return success(started, map[string]any{"ok": true, resultKey: resultValue})
	}

	switch a.Op {
	case "set_effect":
		raw := paramString(req.Parameters, "effect")
		if raw == "" {
			raw = paramString(req.Parameters, "mode")
		}
		if raw == "" {
			if env := paramString(req.Parameters, "environment"); env != "" {
				raw = a.EnvMap.Lookup(env)
			}
		}
		effect, err := NormalizeJinxEffect(raw)
		if err != nil {
			return failure(started, CodeAdapterError, err.Error())
		}
		return set(effect, "", "", "jinx.effect", effect)

	case "set_scene":
		scene := strings.TrimSpace(paramString(req.Parameters, "scene"))
		n, err := strconv.Atoi(scene)
		if err != nil {
			return failure(started, CodeAdapterError, "jinx scene must be numeric")
		}
		return set("", n, "", "jinx.scene", n)

	case "set_chase":
		chase := strings.TrimSpace(paramString(req.Parameters, "chase"))
		n, err := strconv.Atoi(chase)
		if err != nil {
			return failure(started, CodeAdapterError, "jinx chase must be numeric")
		}
		return set("", "", n, "jinx.chase", n)
	}
	return failure(started, CodeAdapterError, fmt.Sprintf("unsupported jinx op: %s", a.Op))
}
