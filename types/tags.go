package types

import "strings"

// Tags are the key/value labels attached to a resource.
type Tags map[string]string

// Get returns a tag value, matching keys case-insensitively.
func (t Tags) Get(key string) string {
	if v, ok := t[key]; ok {
		return v
	}
	for k, v := range t {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Matches reports whether every wanted tag is present with the same value.
func (t Tags) Matches(want map[string]string) bool {
	for k, v := range want {
		if t.Get(k) != v {
			return false
		}
	}
	return true
}

// Subset returns only the listed keys, normalized to lower case.
func (t Tags) Subset(keys []string) Tags {
	var out Tags
	for _, k := range keys {
		if v := t.Get(k); v != "" {
			if out == nil {
				out = make(Tags, len(keys))
			}
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

// TagsFromMap copies a provider tag map, dropping empty keys.
func TagsFromMap(m map[string]string) Tags {
	if len(m) == 0 {
		return nil
	}
	out := make(Tags, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// TagsFromPointers converts the pointer-valued maps SDKs hand back.
func TagsFromPointers(m map[string]*string) Tags {
	if len(m) == 0 {
		return nil
	}
	out := make(Tags, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = *v
	}
	return out
}
