// Package validation provides input validation helpers and middleware for the
// escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxDescriptionLength bounds transaction descriptions.
const MaxDescriptionLength = 500

// phoneRegex accepts E.164 numbers after NormalizePhone has run.
var phoneRegex = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// phoneStrip removes the separators people type into phone numbers.
var phoneStrip = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizePhone strips formatting so "+63 912 345 6789" and "+639123456789"
// identify the same actor.
func NormalizePhone(s string) string {
	return phoneStrip.Replace(strings.TrimSpace(s))
}

// IsValidPhone checks an already normalized phone number.
func IsValidPhone(s string) bool {
	return phoneRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidPhone checks that a non-empty field is a phone number.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidPhone(NormalizePhone(value)) {
			return &ValidationError{Field: field, Message: "must be a phone number in international format (+country...)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Positive checks that an amount in minor units is greater than zero.
func Positive(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ActorHeaderMiddleware rejects requests whose actor header is missing or
// not a phone number, and stores the normalized value under "actorID".
func ActorHeaderMiddleware(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := NormalizePhone(c.GetHeader(header))
		if !IsValidPhone(actor) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_actor",
				"message": header + " header must carry the caller's phone number",
			})
			return
		}
		c.Set("actorID", actor)
		c.Next()
	}
}
