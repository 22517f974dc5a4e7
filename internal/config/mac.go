package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseMAC parses a colon-separated 6-octet MAC address string into the
// 48-bit board_addr representation used throughout internal/omx and
// internal/peeroracle (spec.md section 3: "BoardAddr uint64 // 48-bit MAC").
func ParseMAC(s string) (uint64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return 0, fmt.Errorf("mac %q: want 6 colon-separated octets, got %d", s, len(parts))
	}

	var addr uint64
	for _, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return 0, fmt.Errorf("mac %q: invalid octet %q", s, p)
		}
		addr = addr<<8 | uint64(b[0])
	}
	return addr, nil
}

// FormatMAC renders a board_addr as a colon-separated hex MAC string.
func FormatMAC(addr uint64) string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = byte(addr >> uint((5-i)*8))
	}
	parts := make([]string, 6)
	for i, v := range b {
		parts[i] = hex.EncodeToString([]byte{v})
	}
	return strings.Join(parts, ":")
}
