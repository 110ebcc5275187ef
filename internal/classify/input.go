package classify

import (
	"fmt"
	"strings"
)

// modelInputPrefix is the embedding model's passage prefix. The model
// was trained with it; inference must keep it.
const modelInputPrefix = "passage: "

// DetermineRole reports where the account owner sits in the envelope:
// Direct when any self address occurs in the To header, CC when it
// occurs in Cc, Hidden otherwise. The match is a case-insensitive
// substring test on the raw header, so an address quoted inside a
// display name counts as a hit.
func DetermineRole(to, cc string, selfAddresses []string) Role {
	toLower := strings.ToLower(to)
	for _, addr := range selfAddresses {
		if addr != "" && strings.Contains(toLower, strings.ToLower(addr)) {
			return RoleDirect
		}
	}
	ccLower := strings.ToLower(cc)
	for _, addr := range selfAddresses {
		if addr != "" && strings.Contains(ccLower, strings.ToLower(addr)) {
			return RoleCC
		}
	}
	return RoleHidden
}

// FormatAttachmentTypes renders the attachment tag list for the model
// input: "None" when empty, otherwise "[PDF, DOCX]".
func FormatAttachmentTypes(kinds []string) string {
	if len(kinds) == 0 {
		return "None"
	}
	return "[" + strings.Join(kinds, ", ") + "]"
}

// FormatModelInput builds the classifier input string from features.
// It is the single source of truth for input shape: training examples
// and inference requests must agree byte for byte, or the model sees
// skewed data.
func FormatModelInput(f *Features, selfAddresses []string) string {
	role := DetermineRole(f.To, f.CC, selfAddresses)
	massMail := "No"
	if f.MassMail {
		massMail = "Yes"
	}
	return fmt.Sprintf("%sRole: %s | Mass Mail: %s | Attachment Types: %s | From: %s | To: %s | Subject: %s | Body: %s",
		modelInputPrefix, role, massMail, FormatAttachmentTypes(f.AttachmentKinds),
		f.From, f.To, f.Subject, f.Body)
}
