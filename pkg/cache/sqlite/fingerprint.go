package sqlite

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/deepshell/deepshell/pkg/models"
)

// fingerprintFields is serialized with a fixed field order so the digest is
// stable across releases.
type fingerprintFields struct {
	Model       string `json:"model"`
	Temperature string `json:"temperature"`
	TopP        string `json:"top_p"`
	MaxTokens   int    `json:"max_tokens"`
	PersonaID   string `json:"persona_id"`
	Functions   bool   `json:"functions"`
	Prompt      string `json:"prompt"`
}

// NormalizePrompt converts CRLF line endings to LF and trims surrounding
// whitespace. Inner whitespace is significant and kept.
func NormalizePrompt(prompt string) string {
	prompt = strings.ReplaceAll(prompt, "\r\n", "\n")
	return strings.TrimSpace(prompt)
}

// Fingerprint computes the cache key for req. Stream, NoCache and SessionID
// do not take part, so batch and streaming requests share entries.
func Fingerprint(req models.Request) string {
	data, _ := json.Marshal(fingerprintFields{
		Model:       req.Model,
		Temperature: strconv.FormatFloat(req.Temperature, 'g', -1, 64),
		TopP:        strconv.FormatFloat(req.TopP, 'g', -1, 64),
		MaxTokens:   req.MaxTokens,
		PersonaID:   req.PersonaID,
		Functions:   req.Functions,
		Prompt:      NormalizePrompt(req.Prompt),
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
