// Package validation provides input validation helpers for the HTTP API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxCommentLength bounds review comments and milestone notes.
const MaxCommentLength = 10000

var (
	// ethAddressRegex validates wallet addresses.
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// idRegex validates platform entity ids (prefix + hex).
	idRegex = regexp.MustCompile(`^[a-z]+_[a-f0-9]{24}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidWalletAddress checks if a string is a valid wallet address.
func IsValidWalletAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidEntityID checks if a string looks like a platform entity id.
func IsValidEntityID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString trims whitespace, limits length and removes null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// SanitizeAddress normalizes a wallet address to lowercase 0x form.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}
