package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// KeyValue is a flattened config key and its formatted value.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	// Origin is "file" when the key is present in config.toml, otherwise
	// "default".
	Origin string `json:"origin,omitempty"`
}

// sensitiveKeys holds the dotted keys of fields tagged sensitive:"true".
var sensitiveKeys = collectSensitiveKeys(reflect.TypeOf(Config{}), "", map[string]bool{})

func tomlKey(field reflect.StructField) string {
	tag := field.Tag.Get("toml")
	if tag == "" || tag == "-" {
		return ""
	}
	return strings.Split(tag, ",")[0]
}

func collectSensitiveKeys(t reflect.Type, prefix string, out map[string]bool) map[string]bool {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := tomlKey(field)
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct {
			collectSensitiveKeys(field.Type, key, out)
			continue
		}
		if field.Tag.Get("sensitive") == "true" {
			out[key] = true
		}
	}
	return out
}

// IsValidKey reports whether key addresses a scalar config field.
func IsValidKey(key string) bool {
	field, err := findField(reflect.ValueOf(Config{}), key)
	return err == nil && isScalar(field)
}

// IsSensitiveKey reports whether key holds a secret that should be masked.
func IsSensitiveKey(key string) bool {
	return sensitiveKeys[key]
}

// MaskValue hides all but the last four characters of a secret.
func MaskValue(val string) string {
	if len(val) <= 4 {
		return "****"
	}
	return "****" + val[len(val)-4:]
}

// GetValue returns the formatted value of key, e.g. "notify.pr_completed".
func GetValue(cfg *Config, key string) (string, error) {
	field, err := findField(reflect.ValueOf(cfg).Elem(), key)
	if err != nil {
		return "", err
	}
	if !isScalar(field) {
		return "", fmt.Errorf("key %q is a table, edit config.toml directly", key)
	}
	return formatValue(field), nil
}

// SetValue parses value into the field addressed by key.
func SetValue(cfg *Config, key, value string) error {
	field, err := findField(reflect.ValueOf(cfg).Elem(), key)
	if err != nil {
		return err
	}
	if !isScalar(field) {
		return fmt.Errorf("key %q is a table, edit config.toml directly", key)
	}
	return setFieldValue(field, value)
}

// ListValues flattens cfg into dotted keys. Origins are resolved against
// the raw file at path, so explicit zero values still report "file".
func ListValues(cfg *Config, path string) ([]KeyValue, error) {
	raw, err := loadRawTOML(path)
	if err != nil {
		return nil, err
	}
	kvs := flatten(reflect.ValueOf(cfg).Elem(), "")
	for i := range kvs {
		kvs[i].Origin = "default"
		if keyInTOML(raw, kvs[i].Key) {
			kvs[i].Origin = "file"
		}
	}
	return kvs, nil
}

func loadRawTOML(path string) (map[string]any, error) {
	raw := make(map[string]any)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return raw, nil
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return raw, nil
}

func keyInTOML(raw map[string]any, key string) bool {
	parts := strings.SplitN(key, ".", 2)
	val, ok := raw[parts[0]]
	if !ok {
		return false
	}
	if len(parts) == 1 {
		return true
	}
	sub, ok := val.(map[string]any)
	if !ok {
		return false
	}
	return keyInTOML(sub, parts[1])
}

func findField(v reflect.Value, key string) (reflect.Value, error) {
	name, rest, nested := strings.Cut(key, ".")
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tomlKey(t.Field(i)) != name {
			continue
		}
		fv := v.Field(i)
		if !nested {
			return fv, nil
		}
		if fv.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("key %q: %q is not a table", key, name)
		}
		return findField(fv, rest)
	}
	return reflect.Value{}, fmt.Errorf("unknown config key: %q", key)
}

func isScalar(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String, reflect.Int, reflect.Int64, reflect.Float64, reflect.Bool:
		return true
	}
	return false
}

func formatValue(v reflect.Value) string {
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value: %q", value)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number value: %q", value)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value: %q", value)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// flatten walks nested tables into dotted keys and skips arrays of tables.
func flatten(v reflect.Value, prefix string) []KeyValue {
	var out []KeyValue
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := tomlKey(t.Field(i))
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			out = append(out, flatten(fv, key)...)
			continue
		}
		if !isScalar(fv) {
			continue
		}
		out = append(out, KeyValue{Key: key, Value: formatValue(fv)})
	}
	return out
}
