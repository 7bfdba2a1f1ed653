package models

import "strings"

// ConversationIDFromAddress strips the routing domain and any device part
// from a gateway address: "5511999999999:3@s.whatsapp.net" -> "5511999999999".
func ConversationIDFromAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// AddressFor turns a bare number or conversation id into a routing address,
// appending suffix when no domain is present.
func AddressFor(target, suffix string) string {
	target = strings.TrimSpace(target)
	if target == "" || strings.Contains(target, "@") {
		return target
	}
	return target + suffix
}

// FormatPhone renders Brazilian numbers as "(11) 99999-9999" and returns
// other identifiers as their digits.
func FormatPhone(id string) string {
	raw := digits(ConversationIDFromAddress(id))
	if strings.HasPrefix(raw, "55") && len(raw) >= 12 {
		n := raw[2:]
		ddd := n[:2]
		split := 6
		if len(n) >= 11 {
			split = 7
		}
		return "(" + ddd + ") " + n[2:split] + "-" + n[split:]
	}
	return raw
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
