package device

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/robertof/go-ble-advert-exporter/advert"
)

type SourceType string

const (
	SourceManufacturer SourceType = "manufacturer_data"
	SourceService      SourceType = "service_data"
	SourceRaw          SourceType = "raw"
)

type Endian string

const (
	EndianBig    Endian = "big"
	EndianLittle Endian = "little"
)

// widest integer a rule can extract.
const maxRuleLength = 8

// Rule extracts an integer from a slice of one advertisement field and scales it.
type Rule struct {
	ID         string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	SourceType SourceType `json:"source_type" yaml:"source_type"`
	SourceKey  string     `json:"source_key,omitempty" yaml:"source_key,omitempty"`
	Offset     int        `json:"offset" yaml:"offset"`
	Length     int        `json:"length" yaml:"length"`
	Endian     Endian     `json:"endian,omitempty" yaml:"endian,omitempty"`
	Signed     bool       `json:"signed,omitempty" yaml:"signed,omitempty"`
	Scale      *float64   `json:"scale,omitempty" yaml:"scale,omitempty"`
	Unit       string     `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// ScaleOrDefault returns the scale factor, 1 when unset.
func (r Rule) ScaleOrDefault() float64 {
	if r.Scale == nil {
		return 1
	}

	return *r.Scale
}

// EndianOrDefault returns the byte order, big endian when unset.
func (r Rule) EndianOrDefault() Endian {
	if r.Endian == "" {
		return EndianBig
	}

	return r.Endian
}

func parseCompanyID(key string) (uint16, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(key), 0, 64)
	if err != nil {
		return 0, err
	}

	if v < 0 || v > 0xffff {
		return 0, fmt.Errorf("company id %d out of range", v)
	}

	return uint16(v), nil
}

// Validate rejects rules that can never produce a value.
func (r Rule) Validate() error {
	switch r.SourceType {
	case SourceManufacturer:
		if _, err := parseCompanyID(r.SourceKey); err != nil {
			return errors.Wrapf(ErrInvalidRule, "source_key %q: %v", r.SourceKey, err)
		}
	case SourceService:
		if r.SourceKey == "" {
			return errors.Wrap(ErrInvalidRule, "source_key is required for service_data")
		}
	case SourceRaw:
	default:
		return errors.Wrapf(ErrInvalidRule, "unknown source_type %q", r.SourceType)
	}

	if r.Offset < 0 {
		return errors.Wrapf(ErrInvalidRule, "negative offset %d", r.Offset)
	}

	if r.Length <= 0 || r.Length > maxRuleLength {
		return errors.Wrapf(ErrInvalidRule, "length %d not in 1..%d", r.Length, maxRuleLength)
	}

	switch r.Endian {
	case "", EndianBig, EndianLittle:
	default:
		return errors.Wrapf(ErrInvalidRule, "unknown endian %q", r.Endian)
	}

	return nil
}

// EffectiveID is the id the rule at position index is known by: its own id, else rule_<index>.
func (r Rule) EffectiveID(index int) string {
	if r.ID != "" {
		return r.ID
	}

	return "rule_" + strconv.Itoa(index)
}

// ValidateRules validates every rule of a device and rejects rules sharing an effective id,
// which would share their entity.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]int, len(rules))

	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}

		id := r.EffectiveID(i)

		if prev, dup := seen[id]; dup {
			return errors.Wrapf(ErrInvalidRule, "rules %d and %d share id %q", prev, i, id)
		}

		seen[id] = i
	}

	return nil
}

// Extract returns the whole field the rule reads from, or nil when it is absent.
func (r Rule) Extract(s advert.Snapshot) []byte {
	switch r.SourceType {
	case SourceManufacturer:
		if r.SourceKey == "" {
			return nil
		}

		id, err := parseCompanyID(r.SourceKey)
		if err != nil {
			return nil
		}

		return s.ManufacturerData[id]
	case SourceService:
		if r.SourceKey == "" {
			return nil
		}

		if data, ok := s.ServiceData[r.SourceKey]; ok {
			return data
		}

		if data, ok := s.ServiceData[strings.ToLower(r.SourceKey)]; ok {
			return data
		}

		if u, err := advert.NormalizeUUIDString(r.SourceKey); err == nil {
			return s.ServiceData[u]
		}

		return nil
	case SourceRaw:
		return s.Raw
	}

	return nil
}

// Evaluate extracts the configured bytes and converts them. ok is false when the advertisement
// does not carry enough data for the rule.
func (r Rule) Evaluate(s advert.Snapshot) (value float64, chunk []byte, ok bool) {
	data := r.Extract(s)

	if len(data) == 0 || r.Length <= 0 || r.Length > maxRuleLength || r.Offset < 0 {
		return 0, nil, false
	}

	end := r.Offset + r.Length

	if end > len(data) {
		return 0, nil, false
	}

	chunk = data[r.Offset:end]

	return decodeInt(chunk, r.EndianOrDefault() == EndianLittle, r.Signed) * r.ScaleOrDefault(), chunk, true
}

func decodeInt(b []byte, little, signed bool) float64 {
	var buf [maxRuleLength]byte
	var u uint64

	if little {
		copy(buf[:], b)
		u = binary.LittleEndian.Uint64(buf[:])
	} else {
		copy(buf[maxRuleLength-len(b):], b)
		u = binary.BigEndian.Uint64(buf[:])
	}

	if !signed {
		return float64(u)
	}

	bits := uint(len(b) * 8)

	if bits < 64 && u&(1<<(bits-1)) != 0 {
		return float64(int64(u) - int64(1)<<bits)
	}

	return float64(int64(u))
}

// RuleFromSpec builds a rule from a `-rule` command line spec. The returned address selects
// the configured device the rule belongs to.
func RuleFromSpec(spec Spec) (addr string, r Rule, err error) {
	addr, err = ParseAddress(spec.Addr())
	if err != nil {
		return "", r, err
	}

	r = Rule{
		ID:         spec["id"],
		Name:       spec.Name(),
		SourceType: SourceType(spec["source_type"]),
		SourceKey:  spec["source_key"],
		Endian:     Endian(spec["endian"]),
		Unit:       spec["unit"],
	}

	for _, err := range []error{
		spec.Int("offset", &r.Offset),
		spec.Int("length", &r.Length),
		spec.Bool("signed", &r.Signed),
		spec.Float("scale", &r.Scale),
	} {
		if err != nil {
			return "", r, errors.Wrap(ErrInvalidRule, err.Error())
		}
	}

	return addr, r, r.Validate()
}

func (r Rule) String() string {
	return fmt.Sprintf("rule[id=%q, source=%v/%v, offset=%d, length=%d]",
		r.ID, r.SourceType, r.SourceKey, r.Offset, r.Length)
}
