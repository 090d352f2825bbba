package callback

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EventMask selects notification categories.
type EventMask uint32

const (
	EventConnected    EventMask = 1 << 0
	EventDisconnected EventMask = 1 << 1
	EventStatus       EventMask = 1 << 2
	EventError        EventMask = 1 << 3
	EventData         EventMask = 1 << 4
	EventGeneric      EventMask = 1 << 5
	EventModule       EventMask = 1 << 6
	EventSystem       EventMask = 1 << 7

	EventAll = EventConnected | EventDisconnected | EventStatus | EventError |
		EventData | EventGeneric | EventModule | EventSystem
)

var maskNames = map[string]EventMask{
	"connected":    EventConnected,
	"disconnected": EventDisconnected,
	"status":       EventStatus,
	"error":        EventError,
	"data":         EventData,
	"generic":      EventGeneric,
	"event":        EventGeneric,
	"module":       EventModule,
	"system":       EventSystem,
	"all":          EventAll,
}

// Category returns the mask bit a notification kind belongs to.
func (k Kind) Category() EventMask {
	switch k {
	case KindConnected:
		return EventConnected
	case KindDisconnected:
		return EventDisconnected
	case KindStatusUpdate:
		return EventStatus
	case KindError:
		return EventError
	case KindDataReceived:
		return EventData
	case KindEvent:
		return EventGeneric
	case KindModuleStateChanged:
		return EventModule
	case KindSystemEvent:
		return EventSystem
	}
	return 0
}

// Allows reports whether a subscriber with mask m receives kind k.
// Connection lifecycle notifications are never filtered.
func (m EventMask) Allows(k Kind) bool {
	if k == KindConnected || k == KindDisconnected {
		return true
	}
	return m&k.Category() != 0
}

func (m EventMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, name := range []string{"connected", "disconnected", "status", "error", "data", "generic", "module", "system"} {
		if m&maskNames[name] != 0 {
			parts = append(parts, name)
		}
	}
	if rest := m &^ EventAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseMask accepts names joined by "|" or ",", or a numeric value.
func ParseMask(s string) (EventMask, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return EventMask(n), nil
	}

	var m EventMask
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		bit, ok := maskNames[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return 0, fmt.Errorf("unknown event category %q (valid: %s)", part, strings.Join(MaskNames(), ", "))
		}
		m |= bit
	}
	return m, nil
}

// MaskNames lists the names ParseMask accepts.
func MaskNames() []string {
	names := make([]string, 0, len(maskNames))
	for n := range maskNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
