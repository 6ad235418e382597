package mirror

import (
	"encoding"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// EnvPrefix starts every environment variable that overrides a
// configuration value.
const EnvPrefix = "RUSTUP_MIRROR_"

var durationType = reflect.TypeOf(time.Duration(0))

// ApplyEnvironmentVariables overrides configuration values with
// environment variables.
//
// The variable name is EnvPrefix followed by the upper-cased TOML key
// path joined with "_", e.g. RUSTUP_MIRROR_MAX_CONNS or
// RUSTUP_MIRROR_TLS_MIN_VERSION.  Tables of mirrors and formats cannot
// be overridden.  Empty variables are ignored.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnv(reflect.ValueOf(c).Elem(), EnvPrefix)
}

func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		key, _, _ := strings.Cut(sf.Tag.Get("toml"), ",")
		if key == "" || key == "-" {
			continue
		}
		name := prefix + strings.ToUpper(key)
		field := v.Field(i)

		if field.Kind() == reflect.Struct && !isTextField(field) {
			if err := applyEnv(field, name+"_"); err != nil {
				return err
			}
			continue
		}
		if err := setFieldFromEnv(field, name); err != nil {
			return err
		}
	}
	return nil
}

func isTextField(field reflect.Value) bool {
	_, ok := field.Addr().Interface().(encoding.TextUnmarshaler)
	return ok
}

// setFieldFromEnv sets field from the environment variable name.
// Unsupported field kinds are left alone.
func setFieldFromEnv(field reflect.Value, name string) error {
	value := os.Getenv(name)
	if value == "" {
		return nil
	}

	if field.CanAddr() {
		if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
			if err := u.UnmarshalText([]byte(value)); err != nil {
				return errors.Wrapf(err, "invalid value for %s", name)
			}
			return nil
		}
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid duration for %s", name)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid integer for %s", name)
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid number for %s", name)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "invalid boolean for %s", name)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	}
	return nil
}
