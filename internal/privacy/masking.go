package privacy

import (
	"strings"

	"wagate/internal/constants"
)

// MaskPhoneNumber masks a phone number or wa_id showing only the last digits.
// Example: "+491234567890" -> "+********7890"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	visible := constants.PhoneMaskVisibleDigits
	if strings.HasPrefix(phone, "+") {
		digits := phone[1:]
		if len(digits) <= visible {
			return "+" + strings.Repeat("*", len(digits))
		}
		return "+" + strings.Repeat("*", len(digits)-visible) + digits[len(digits)-visible:]
	}

	if len(phone) <= visible {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-visible) + phone[len(phone)-visible:]
}

// MaskProviderMessageID masks a provider message id while keeping the prefix
// and a short suffix for log correlation.
// Example: "wamid.HBgLMTY1MDM4Nzk0..." -> "wamid.****794..."
func MaskProviderMessageID(id string) string {
	if id == "" {
		return ""
	}

	const keep = 6
	if dot := strings.Index(id, "."); dot > 0 && len(id) > dot+1+keep {
		body := id[dot+1:]
		return id[:dot+1] + "****" + body[len(body)-keep:]
	}
	if len(id) <= keep {
		return strings.Repeat("*", len(id))
	}
	return "****" + id[len(id)-keep:]
}
