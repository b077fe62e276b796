package memutils

import (
	"fmt"
	"strings"
)

// Flags is any bitmask type whose bits can be given names with a FlagStringMapping
type Flags interface {
	~int32 | ~uint32
}

// FlagStringMapping prints bitmask values as the names of their set bits, separated by '|'
type FlagStringMapping[T Flags] struct {
	names map[T]string
}

func NewFlagStringMapping[T Flags]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

// Register names a single bit
func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

func (m FlagStringMapping[T]) FlagsToString(value T) string {
	if value == 0 {
		return "None"
	}

	var sb strings.Builder
	for bit := 0; bit < 32; bit++ {
		flag := T(uint32(1) << bit)
		if value&flag == 0 {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteByte('|')
		}

		name, ok := m.names[flag]
		if !ok {
			name = fmt.Sprintf("Unknown(%#x)", uint32(flag))
		}
		sb.WriteString(name)
	}

	return sb.String()
}
