// ABOUTME: Tests for the Matrix transport helpers that need no homeserver
// ABOUTME: Markdown rendering, zerolog bridging, crypto database checks and error mapping

package channel

import (
	"bytes"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
)

func TestRenderMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Bom dia, tudo bem?", ""},
		{"bold", "Seu **protocolo** foi aberto", "Seu <strong>protocolo</strong> foi aberto"},
		{"strikethrough", "~~cancelado~~", "<del>cancelado</del>"},
		{"link", "veja https://example.org", `veja <a href="https://example.org">https://example.org</a>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderMarkdown(tt.in))
		})
	}
}

func TestRenderMarkdownKeepsParagraphs(t *testing.T) {
	out := renderMarkdown("primeiro *item*\n\nsegundo")
	assert.True(t, strings.HasPrefix(out, "<p>"), out)
	assert.Contains(t, out, "<em>item</em>")
}

func TestTextContent(t *testing.T) {
	plain := textContent("ok")
	assert.Equal(t, event.MsgText, plain.MsgType)
	assert.Empty(t, plain.FormattedBody)

	rich := textContent("**ok**")
	assert.Equal(t, "**ok**", rich.Body)
	assert.Equal(t, event.FormatHTML, rich.Format)
	assert.Equal(t, "<strong>ok</strong>", rich.FormattedBody)
}

func TestZerologBridge(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	zl := newZerolog(logger)

	zl.Warn().Str("room_id", "!abc").Msg("sync slow")
	zl.Debug().Msg("chatty")

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"msg":"sync slow"`)
	assert.Contains(t, out, `"room_id":"!abc"`)
	assert.Contains(t, out, `"msg":"chatty"`)
}

func TestZerologBridgeRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	zl := newZerolog(logger)

	zl.Debug().Msg("hidden")
	zl.Info().Msg("also hidden")
	assert.Empty(t, buf.String(), "info from the client maps to debug")

	zl.Error().Msg("shown")
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "notary_matrix.org", slugify("@notary:matrix.org"))
	assert.Equal(t, "default", slugify("default"))
	assert.Equal(t, "abc", slugify("a/b\\c"))
}

func TestCryptoDBPath(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "matrix-crypto-default.db"), cryptoDBPath("data", "default"))
}

func TestDeviceMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crypto.db")

	mismatch, err := deviceMismatch(path, "DEVICE")
	require.NoError(t, err)
	assert.False(t, mismatch, "missing database is not a mismatch")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE crypto_account (account_id TEXT, device_id TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO crypto_account VALUES ('acc', 'DEVICE')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	mismatch, err = deviceMismatch(path, "DEVICE")
	require.NoError(t, err)
	assert.False(t, mismatch)

	mismatch, err = deviceMismatch(path, "OTHER")
	require.NoError(t, err)
	assert.True(t, mismatch)

	require.NoError(t, removeCryptoDB(path))
	mismatch, err = deviceMismatch(path, "OTHER")
	require.NoError(t, err)
	assert.False(t, mismatch)
}

func TestMediaMsgType(t *testing.T) {
	assert.Equal(t, event.MsgImage, mediaMsgType("image/png"))
	assert.Equal(t, event.MsgVideo, mediaMsgType("video/mp4"))
	assert.Equal(t, event.MsgAudio, mediaMsgType("audio/ogg"))
	assert.Equal(t, event.MsgFile, mediaMsgType("application/pdf"))
}

func TestClassifyMatrixErrorPassesThroughPlainErrors(t *testing.T) {
	plain := errors.New("connection reset")
	assert.Equal(t, DropRetryable, Classify(classifyMatrixError(plain)))
}
