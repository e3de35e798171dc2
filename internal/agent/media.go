package agent

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/haven/internal/providers"
)

// maxImageEdge is the longest edge accepted by vision models without
// server-side resizing; larger inputs are downscaled before upload.
const maxImageEdge = 1568

// userMessage builds the turn's user message, inlining any image
// attachments as base64 blocks. Text-only when nothing attaches.
func (e *Engine) userMessage(req TurnRequest) providers.Message {
	images := loadImages(req.Media)
	if len(images) == 0 {
		return providers.TextMessage("user", req.Message)
	}
	blocks := make([]providers.Block, 0, 1+len(images))
	if req.Message != "" {
		blocks = append(blocks, providers.Block{Type: providers.BlockText, Text: req.Message})
	}
	blocks = append(blocks, images...)
	return providers.Message{Role: "user", Blocks: blocks}
}

// loadImages reads, downscales, and base64-encodes local image files.
// Unsupported or unreadable files are skipped with a warning.
func loadImages(paths []string) []providers.Block {
	var blocks []providers.Block
	for _, p := range paths {
		mimeType, format, ok := imageFormat(p)
		if !ok {
			continue
		}
		img, err := imaging.Open(p, imaging.AutoOrientation(true))
		if err != nil {
			slog.Warn("media: cannot read image", "path", p, "error", err)
			continue
		}
		if b := img.Bounds(); b.Dx() > maxImageEdge || b.Dy() > maxImageEdge {
			img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, format); err != nil {
			slog.Warn("media: encode failed", "path", p, "error", err)
			continue
		}
		blocks = append(blocks, providers.Block{
			Type:     providers.BlockImage,
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		})
	}
	return blocks
}

func imageFormat(path string) (string, imaging.Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg", imaging.JPEG, true
	case ".png":
		return "image/png", imaging.PNG, true
	case ".gif":
		return "image/gif", imaging.GIF, true
	default:
		return "", 0, false
	}
}
