package account

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IshaanNene/BirdStalk/internal/types"
)

// ParseCookies accepts four equivalent cookie encodings: RFC-6265
// concatenation ("k=v; k=v"), a JSON object, a JSON array of {name, value},
// or base64 of either JSON form. A wrapping {"cookies": ...} object is
// unwrapped first.
func ParseCookies(val string) (map[string]string, error) {
	if decoded, err := base64.StdEncoding.DecodeString(val); err == nil {
		val = string(decoded)
	}

	var raw any
	if err := json.Unmarshal([]byte(val), &raw); err == nil {
		if obj, ok := raw.(map[string]any); ok {
			if inner, ok := obj["cookies"]; ok {
				raw = inner
			}
		}
		if out, ok := cookiesFromJSON(raw); ok {
			return out, nil
		}
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidCookies, val)
	}

	out := map[string]string{}
	for _, pair := range strings.Split(val, "; ") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalidCookies, val)
		}
		out[k] = v
	}
	return out, nil
}

func cookiesFromJSON(raw any) (map[string]string, bool) {
	switch v := raw.(type) {
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	case []any:
		out := make(map[string]string, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			name, _ := obj["name"].(string)
			value, _ := obj["value"].(string)
			if name == "" {
				return nil, false
			}
			out[name] = value
		}
		return out, true
	}
	return nil, false
}
