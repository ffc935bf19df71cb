package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * KiloByte
	GigaByte int64 = 1024 * MegaByte
	TeraByte int64 = 1024 * GigaByte
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// Decimal units are 1000-based, single letters and IEC units 1024-based.
var sizeUnits = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1000, "MB": 1000 * 1000, "GB": 1000 * 1000 * 1000, "TB": 1000 * 1000 * 1000 * 1000,
	"K": KiloByte, "KIB": KiloByte,
	"M": MegaByte, "MIB": MegaByte,
	"G": GigaByte, "GIB": GigaByte,
	"T": TeraByte, "TIB": TeraByte,
}

// ParseDataSize parses sizes like "512MB", "1.5GiB" or "4096" into bytes.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %d", val)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '64MB', '1GiB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier, ok := sizeUnits[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// FormatDataSize renders bytes with a 1024-based unit.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiloByte {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB"}
	value := float64(bytes) / float64(KiloByte)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[i])
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}

// ByteSize is a config value accepting either a number of bytes or a
// human-friendly string.
type ByteSize int64

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return b.set(raw)
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return b.set(raw)
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(b))
}

func (b *ByteSize) set(raw interface{}) error {
	switch v := raw.(type) {
	case float64:
		*b = ByteSize(v)
	case int:
		*b = ByteSize(v)
	case int64:
		*b = ByteSize(v)
	case string:
		size, err := ParseDataSize(v)
		if err != nil {
			return err
		}
		*b = ByteSize(size)
	case nil:
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}
