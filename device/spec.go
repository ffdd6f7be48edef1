package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Spec holds the `key=value,key=value` pairs of a -device or -rule command line flag.
type Spec map[string]string

const (
	SpecFieldName    = "name"
	SpecFieldAddress = "addr"
)

func NewSpec(s string) Spec {
	spec := Spec{}

	for _, entry := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(entry, "=")

		if !ok {
			log.Warn().Str("Entry", entry).Msg("Skipping invalid spec entry")
			continue
		}

		spec[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return spec
}

func (s Spec) Name() string {
	return s[SpecFieldName]
}

func (s Spec) Addr() string {
	return s[SpecFieldAddress]
}

// parse hands the value of key to fn when it is set.
func (s Spec) parse(key string, fn func(v string) error) error {
	v := s[key]

	if v == "" {
		return nil
	}

	if err := fn(v); err != nil {
		return fmt.Errorf("%s %q: %w", key, v, err)
	}

	return nil
}

func (s Spec) Int(key string, dst *int) error {
	return s.parse(key, func(v string) (err error) {
		*dst, err = strconv.Atoi(v)
		return err
	})
}

func (s Spec) Bool(key string, dst *bool) error {
	return s.parse(key, func(v string) (err error) {
		*dst, err = strconv.ParseBool(v)
		return err
	})
}

// Float leaves dst nil when key is not set.
func (s Spec) Float(key string, dst **float64) error {
	return s.parse(key, func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}

		*dst = &f

		return nil
	})
}
