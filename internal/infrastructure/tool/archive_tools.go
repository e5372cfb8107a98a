package tool

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ZIP and document tools. ZIP handling is local; PDF/image text extraction
// goes through the Gemini vision path.

const (
	ocrMaxBytes   = 30_000_000
	ocrTimeout    = 120 * time.Second
	zipEntryLimit = 500
)

var ocrExtensions = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"gif":  "image/gif",
	"pdf":  "application/pdf",
}

func execListZip(input map[string]interface{}, allowedDirs []string) (string, bool) {
	raw, ok := stringArg(input, "path")
	if !ok {
		return "Missing required parameter: path", true
	}
	path, err := ValidatePath(raw, allowedDirs)
	if err != nil {
		return err.Error(), true
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Sprintf("Cannot open ZIP: %v", err), true
	}
	defer reader.Close()

	var lines []string
	for i, f := range reader.File {
		if i >= zipEntryLimit {
			lines = append(lines, fmt.Sprintf("[... %d more entries]", len(reader.File)-zipEntryLimit))
			break
		}
		lines = append(lines, fmt.Sprintf("%s (%s, %s compressed)",
			f.Name, humanSize(int64(f.UncompressedSize64)), humanSize(int64(f.CompressedSize64))))
	}
	if len(lines) == 0 {
		return "ZIP archive is empty", false
	}
	return strings.Join(lines, "\n"), false
}

func execExtractZipFile(input map[string]interface{}, allowedDirs []string) (string, bool) {
	raw, ok := stringArg(input, "path")
	if !ok {
		return "Missing required parameter: path", true
	}
	inner, ok := stringArg(input, "file_path")
	if !ok {
		return "Missing required parameter: file_path", true
	}

	path, err := ValidatePath(raw, allowedDirs)
	if err != nil {
		return err.Error(), true
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Sprintf("Cannot open ZIP: %v", err), true
	}
	defer reader.Close()

	for _, f := range reader.File {
		if f.Name != inner {
			continue
		}
		if f.UncompressedSize64 > maxReadBytes {
			return fmt.Sprintf("Entry too large: %d bytes", f.UncompressedSize64), true
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Sprintf("Cannot open entry: %v", err), true
		}
		defer rc.Close()

		data, err := io.ReadAll(io.LimitReader(rc, maxReadBytes))
		if err != nil {
			return fmt.Sprintf("Cannot read entry: %v", err), true
		}
		if IsBinary(data) {
			preview := data
			if len(preview) > 256 {
				preview = preview[:256]
			}
			return fmt.Sprintf("Binary entry %s (%d bytes), hex preview:\n%x", inner, len(data), preview), false
		}
		return string(data), false
	}
	return fmt.Sprintf("Entry not found in archive: %s", inner), true
}

// execOcrDocument extracts text from an image or PDF via Gemini vision,
// preserving table formatting as markdown.
func (e *Executor) execOcrDocument(ctx context.Context, input map[string]interface{}, allowedDirs []string) (string, bool) {
	return e.visionExtract(ctx, input, allowedDirs,
		"Extract ALL text from this document. Preserve formatting: render tables as markdown "+
			"(| pipes and --- separators), keep headers, lists, and paragraphs. Return only the extracted text.")
}

// execReadPdf extracts PDF text. The extraction itself is delegated to the
// vision model — the local toolchain carries no PDF parser.
func (e *Executor) execReadPdf(ctx context.Context, input map[string]interface{}, allowedDirs []string) (string, bool) {
	prompt := "Extract the text content of this PDF. Return only the text."
	if pageRange, ok := stringArg(input, "page_range"); ok {
		prompt = fmt.Sprintf("Extract the text content of pages %s of this PDF. Return only the text.", pageRange)
	}
	return e.visionExtract(ctx, input, allowedDirs, prompt)
}

func (e *Executor) visionExtract(ctx context.Context, input map[string]interface{}, allowedDirs []string, prompt string) (string, bool) {
	if e.vision == nil {
		return "Document extraction is unavailable: no Google credential configured", true
	}

	raw, ok := stringArg(input, "path")
	if !ok {
		return "Missing required parameter: path", true
	}
	path, err := ValidatePath(raw, allowedDirs)
	if err != nil {
		return err.Error(), true
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	mimeType, supported := ocrExtensions[ext]
	if !supported {
		return fmt.Sprintf("Unsupported file type: .%s (supported: png, jpg, jpeg, webp, gif, pdf)", ext), true
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("Cannot read metadata: %v", err), true
	}
	if base64.StdEncoding.EncodedLen(int(info.Size())) > ocrMaxBytes {
		return fmt.Sprintf("File too large: %d bytes (max 22 MB decoded)", info.Size()), true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Cannot read file: %v", err), true
	}

	model := e.visionModel(ctx)
	text, err := e.vision.GenerateVision(ctx, model, prompt, mimeType, base64.StdEncoding.EncodeToString(data), ocrTimeout)
	if err != nil {
		return fmt.Sprintf("Vision extraction failed: %v", err), true
	}

	return fmt.Sprintf("### OCR: %s (%s, %d bytes)\n\n%s", filepath.Base(path), mimeType, info.Size(), text), false
}
