// Package parameters handles generic configuration Params, a map[string]string that the
// user can set with a configuration string, like "learning_rate=1e-4,unet_channels=16;32;64".
package parameters

import (
	"github.com/janpfeifer/inpaintGo/internal/generics"
	"github.com/pkg/errors"
	"slices"
	"strconv"
	"strings"
)

// Params represent generic configuration parameters.
type Params map[string]string

// ListSeparator separates the elements of list values, since "," is used to separate parameters.
const ListSeparator = ";"

// Value is the set of types a parameter can be parsed to.
type Value interface {
	bool | int | float32 | float64 | string | []int
}

// NewFromConfigString create params from user's configuration string.
// An empty string returns empty Params.
// See GetParamOr and PopParamOr to parse values from this map.
func NewFromConfigString(config string) Params {
	params := make(Params)
	config = strings.TrimSpace(config)
	if config == "" {
		return params
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		subParts := strings.SplitN(part, "=", 2) // Split into up to 2 parts to handle '=' in values
		if len(subParts) == 1 {
			params[subParts[0]] = ""
		} else {
			params[subParts[0]] = subParts[1]
		}
	}
	return params
}

// String returns the params as a configuration string, with keys sorted.
func (params Params) String() string {
	parts := make([]string, 0, len(params))
	for key, value := range generics.SortedKeysAndValues(params) {
		if value == "" {
			parts = append(parts, key)
			continue
		}
		parts = append(parts, key+"="+value)
	}
	return strings.Join(parts, ",")
}

// Keys returns the sorted keys still present in params. Typically used after all known parameters
// were popped, to report the unknown ones.
func (params Params) Keys() []string {
	return slices.Collect(generics.SortedKeys(params))
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or returns the defaultValue
// if not.
//
// For bool types, a key without a value is interpreted as true.
// For []int, values are separated by ListSeparator.
func GetParamOr[T Value](params Params, key string, defaultValue T) (T, error) {
	vAny := (any)(defaultValue)
	var t T
	toT := func(v any) T { return v.(T) }
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	switch vAny.(type) {
	case string:
		return toT(value), nil
	case int:
		if value == "" {
			break
		}
		parsedValue, err := strconv.Atoi(value)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
		}
		return toT(parsedValue), nil
	case float32:
		if value == "" {
			break
		}
		parsedValue, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(float32(parsedValue)), nil
	case float64:
		if value == "" {
			break
		}
		parsedValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(parsedValue), nil
	case bool:
		if value == "" || strings.ToLower(value) == "true" || value == "1" { // Empty value is considered "true"
			return toT(true), nil
		}
		if strings.ToLower(value) == "false" || value == "0" {
			return toT(false), nil
		}
		return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
	case []int:
		if value == "" {
			return toT([]int{}), nil
		}
		list, err := generics.SliceMapErr(strings.Split(value, ListSeparator), func(s string) (int, error) {
			return strconv.Atoi(strings.TrimSpace(s))
		})
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to a list of ints", key, value)
		}
		return toT(list), nil
	}
	return defaultValue, nil
}
