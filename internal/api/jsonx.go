package api

// getByPath deep-searches the object graph for the first value stored under
// key, at any depth, in document order.
func getByPath(obj any, key string) any {
	switch v := obj.(type) {
	case map[string]any:
		if val, ok := v[key]; ok {
			return val
		}
		for _, child := range v {
			if res := getByPath(child, key); res != nil {
				return res
			}
		}
	case []any:
		for _, child := range v {
			if res := getByPath(child, key); res != nil {
				return res
			}
		}
	}
	return nil
}

// findObj deep-searches the object graph for the first object matching fn.
func findObj(obj any, fn func(map[string]any) bool) map[string]any {
	switch v := obj.(type) {
	case map[string]any:
		if fn(v) {
			return v
		}
		for _, child := range v {
			if res := findObj(child, fn); res != nil {
				return res
			}
		}
	case []any:
		for _, child := range v {
			if res := findObj(child, fn); res != nil {
				return res
			}
		}
	}
	return nil
}
