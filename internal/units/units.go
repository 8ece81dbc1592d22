// Package units converts Kubernetes resource quantities into the integer CPU
// and memory values used by audit reports.
package units

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/apimachinery/pkg/api/resource"
)

// CPU is an amount of CPU in millicores.
type CPU uint64

// Memory is an amount of memory in bytes.
type Memory uint64

// CPUFromQuantity converts q to millicores.
func CPUFromQuantity(q resource.Quantity) (CPU, error) {
	if q.Sign() < 0 {
		return 0, fmt.Errorf("cpu quantity %q must not be negative", q.String())
	}
	return CPU(q.MilliValue()), nil
}

// MemoryFromQuantity converts q to bytes, rounding fractional bytes up.
func MemoryFromQuantity(q resource.Quantity) (Memory, error) {
	if q.Sign() < 0 {
		return 0, fmt.Errorf("memory quantity %q must not be negative", q.String())
	}
	return Memory(q.Value()), nil
}

// ParseCPU parses a CPU amount. A bare integer is taken as millicores, any
// other value is parsed as a Kubernetes quantity ("250m", "0.5", "2").
func ParseCPU(value string) (CPU, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("cpu value must not be empty")
	}
	if millis, err := strconv.ParseUint(value, 10, 64); err == nil {
		return CPU(millis), nil
	}

	q, err := resource.ParseQuantity(value)
	if err != nil {
		return 0, fmt.Errorf("parse cpu value %q: %w", value, err)
	}
	return CPUFromQuantity(q)
}

// Millicores returns c as a plain integer.
func (c CPU) Millicores() uint64 {
	return uint64(c)
}

// SaturatingSub returns c - other, or zero when other is larger.
func (c CPU) SaturatingSub(other CPU) CPU {
	if other >= c {
		return 0
	}
	return c - other
}

func (c CPU) String() string {
	return strconv.FormatUint(uint64(c), 10) + "m"
}

// MarshalJSON renders c as a millicore quantity string such as "1500m".
func (c CPU) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Bytes returns m as a plain integer.
func (m Memory) Bytes() uint64 {
	return uint64(m)
}

func (m Memory) String() string {
	return humanize.IBytes(uint64(m))
}

// MarshalJSON renders m in IEC units such as "128 MiB".
func (m Memory) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Number is satisfied by the quantity types that can be summed.
type Number interface {
	~uint64
}

// AddOptional sums two optional values. The result is nil only when both
// inputs are nil.
func AddOptional[T Number](a, b *T) *T {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		sum := *b
		return &sum
	case b == nil:
		sum := *a
		return &sum
	default:
		sum := *a + *b
		return &sum
	}
}
