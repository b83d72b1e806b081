package validation

import (
	"fmt"
	"strings"
	"unicode"

	"wagate/internal/constants"
	"wagate/internal/errors"
)

// ValidateRecipient validates an E.164-style recipient address.
func ValidateRecipient(recipient string) error {
	if recipient == "" {
		return errors.New(errors.ErrCodeInvalidInput, "recipient cannot be empty")
	}

	cleaned := strings.TrimPrefix(recipient, "+")
	if len(cleaned) < constants.MinRecipientLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("recipient must be at least %d digits", constants.MinRecipientLength))
	}
	if len(cleaned) > constants.MaxRecipientLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("recipient too long (max %d digits)", constants.MaxRecipientLength))
	}

	for _, char := range cleaned {
		if !unicode.IsDigit(char) {
			return errors.New(errors.ErrCodeInvalidInput, "recipient must contain only digits")
		}
	}

	return nil
}

// ValidateTemplateName validates a provider template identifier. Template
// names are lowercase alphanumerics and underscores in the Cloud API.
func ValidateTemplateName(name string) error {
	if name == "" {
		return errors.New(errors.ErrCodeInvalidInput, "template name cannot be empty")
	}
	if len(name) > constants.MaxTemplateNameLen {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("template name too long (max %d characters)", constants.MaxTemplateNameLen))
	}
	for _, char := range name {
		if char >= 'a' && char <= 'z' || char >= '0' && char <= '9' || char == '_' {
			continue
		}
		return errors.New(errors.ErrCodeInvalidInput, "template name must be lowercase alphanumeric with underscores")
	}
	return nil
}

// ValidateViewerToken validates a realtime viewer bearer token from
// configuration. Short tokens are rejected outright.
func ValidateViewerToken(token string) error {
	if len(token) < constants.MinViewerTokenLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("viewer token must be at least %d characters", constants.MinViewerTokenLength))
	}
	for _, char := range token {
		if unicode.IsSpace(char) || unicode.IsControl(char) {
			return errors.New(errors.ErrCodeInvalidInput, "viewer token contains invalid characters")
		}
	}
	return nil
}

// ValidateProviderMessageID validates a provider message id before it is used
// in queries or log output.
func ValidateProviderMessageID(id string) error {
	if id == "" {
		return errors.New(errors.ErrCodeInvalidInput, "provider message ID cannot be empty")
	}
	if len(id) > constants.MaxMessageIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("provider message ID too long (max %d characters)", constants.MaxMessageIDLength))
	}
	for _, char := range id {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.New(errors.ErrCodeInvalidInput, "provider message ID contains invalid characters")
		}
	}
	return nil
}
