package middleware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/branchline-ai/conversation-engine/internal/model"
)

// TestValidateParts covers the client-facing content rules: at least one
// part, bounded UTF-8 text, https or data image URLs, and no tool parts.
func TestValidateParts(t *testing.T) {
	require.Error(t, ValidateParts(nil))

	ok := []model.ContentPart{{Kind: model.PartText, Text: "hello"}}
	require.NoError(t, ValidateParts(ok))

	empty := []model.ContentPart{{Kind: model.PartText, Text: ""}}
	require.Error(t, ValidateParts(empty))

	huge := []model.ContentPart{{Kind: model.PartText, Text: strings.Repeat("x", 100001)}}
	require.Error(t, ValidateParts(huge))

	invalid := []model.ContentPart{{Kind: model.PartText, Text: string([]byte{0xff, 0xfe})}}
	require.Error(t, ValidateParts(invalid))

	image := []model.ContentPart{{Kind: model.PartImage, ImageURL: "https://example.com/a.png"}}
	require.NoError(t, ValidateParts(image))

	plainHTTP := []model.ContentPart{{Kind: model.PartImage, ImageURL: "http://example.com/a.png"}}
	require.Error(t, ValidateParts(plainHTTP))

	toolPart := []model.ContentPart{{Kind: model.PartToolCall, ToolName: "x"}}
	require.Error(t, ValidateParts(toolPart))
}

// TestValidateTitle bounds titles at 256 valid UTF-8 bytes.
func TestValidateTitle(t *testing.T) {
	require.NoError(t, ValidateTitle(""))
	require.NoError(t, ValidateTitle("a perfectly fine title"))
	require.Error(t, ValidateTitle(strings.Repeat("t", 257)))
}

// TestValidateTenantID bounds tenant ids.
func TestValidateTenantID(t *testing.T) {
	require.Error(t, ValidateTenantID(""))
	require.NoError(t, ValidateTenantID("tenant-1"))
	require.Error(t, ValidateTenantID(strings.Repeat("t", 65)))
}
