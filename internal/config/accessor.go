package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// Paths address config values by JSON field names joined with dots, e.g.
// "server.port" or "providers.sms.signature.secret". The segment after
// "providers" is a provider ID, which may itself contain dots.

// splitPath breaks path into segments, keeping a configured provider ID in
// one segment. The longest configured ID wins.
func splitPath(cfg *Config, path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty path")
	}
	parts := strings.Split(path, ".")
	if parts[0] != "providers" || len(parts) < 3 {
		return parts, nil
	}
	for k := len(parts); k > 2; k-- {
		id := strings.Join(parts[1:k], ".")
		if _, ok := cfg.Providers[id]; ok {
			return append([]string{"providers", id}, parts[k:]...), nil
		}
	}
	return parts, nil
}

// fieldType resolves the Go type stored at segs by walking Config's JSON
// field names. Map levels consume one segment as the key.
func fieldType(segs []string) (reflect.Type, error) {
	t := reflect.TypeOf(Config{})
	for i, seg := range segs {
		switch t.Kind() {
		case reflect.Struct:
			f, ok := fieldByJSONName(t, seg)
			if !ok {
				return nil, fmt.Errorf("unknown config key: %s", strings.Join(segs[:i+1], "."))
			}
			t = f.Type
		case reflect.Map:
			t = t.Elem()
		default:
			return nil, fmt.Errorf("%s is a %s, not a section", strings.Join(segs[:i], "."), t.Kind())
		}
	}
	return t, nil
}

func fieldByJSONName(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := range t.NumField() {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

// tree is cfg as generic JSON maps.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path. Known keys left
// out of the JSON form (empty optional fields) read as their zero value.
func GetByPath(cfg *Config, path string) (any, error) {
	segs, err := splitPath(cfg, path)
	if err != nil {
		return nil, err
	}
	t, err := fieldType(segs)
	if err != nil {
		return nil, err
	}
	if segs[0] == "providers" && len(segs) > 1 {
		if _, ok := cfg.Providers[segs[1]]; !ok {
			return nil, fmt.Errorf("provider %q is not configured", segs[1])
		}
	}
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range segs {
		v, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		if current, ok = v[key]; !ok {
			return reflect.Zero(t).Interface(), nil
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. String values are
// converted to the field's type; cfg is left unchanged on error. Setting a
// key under an unknown provider ID adds that provider.
func SetByPath(cfg *Config, path string, value any) error {
	segs, err := splitPath(cfg, path)
	if err != nil {
		return err
	}
	t, err := fieldType(segs)
	if err != nil {
		return err
	}
	if segs[0] == "providers" && len(segs) == 1 {
		return errors.New("set providers one key at a time, e.g. providers.<id>.type")
	}
	v, err := coerce(t, value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	m, err := tree(cfg)
	if err != nil {
		return err
	}
	parent := m
	for _, key := range segs[:len(segs)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			child = make(map[string]any)
			parent[key] = child
		}
		parent = child
	}
	parent[segs[len(segs)-1]] = v

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// coerce converts a command-line string to the kind stored at a field.
// Sections and provider entries take a JSON object.
func coerce(t reflect.Type, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	switch t.Kind() {
	case reflect.String:
		return s, nil
	case reflect.Bool:
		return strconv.ParseBool(s)
	case reflect.Int, reflect.Int64:
		return strconv.ParseInt(s, 10, 64)
	case reflect.Float64:
		return strconv.ParseFloat(s, 64)
	default:
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil, fmt.Errorf("expected a JSON object: %w", err)
		}
		return obj, nil
	}
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg // Return original on marshal error
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for id, prov := range copy.Providers {
		if prov.Signature.Secret != "" {
			prov.Signature.Secret = maskString(prov.Signature.Secret)
		}
		if prov.BotToken != "" {
			prov.BotToken = maskString(prov.BotToken)
		}
		if prov.VerifyToken != "" {
			prov.VerifyToken = maskString(prov.VerifyToken)
		}
		copy.Providers[id] = prov
	}

	if u, err := url.Parse(copy.Store.DSN); err == nil && u.User != nil {
		copy.Store.DSN = u.Redacted()
	}

	return &copy
}

// WebhookURL returns the URL a provider signs requests against: the
// explicit webhookUrl, or server.publicUrl joined with the receiver route.
func (c *Config) WebhookURL(providerID string) string {
	if pc, ok := c.Providers[providerID]; ok && pc.WebhookURL != "" {
		return pc.WebhookURL
	}
	if c.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/webhooks/" + providerID
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable leaf with its current value. Each
// configured provider lists all of its keys, including empty optional ones.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	for id := range cfg.Providers {
		providerLeaves("providers."+id, reflect.TypeOf(ProviderConfig{}), result)
	}
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenMap(path, val, result)
		default:
			result[path] = val
		}
	}
}

// providerLeaves fills in zero values for provider fields omitted from JSON.
func providerLeaves(prefix string, t reflect.Type, result map[string]any) {
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		path := prefix + "." + name
		if f.Type.Kind() == reflect.Struct {
			providerLeaves(path, f.Type, result)
			continue
		}
		if _, ok := result[path]; !ok {
			result[path] = reflect.Zero(f.Type).Interface()
		}
	}
}
