package documents

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manualrag/cli/internal/logger"
)

// ErrUnsupportedType is returned for file extensions no parser handles.
var ErrUnsupportedType = errors.New("unsupported file type")

// Supported reports whether path has an extension Load understands.
func Supported(path string) bool {
	_, err := DocType(path)
	return err == nil
}

// DocType maps a file extension to a document type tag.
func DocType(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pdf":
		return "pdf", nil
	case ".epub":
		return "epub", nil
	case ".txt", ".text":
		return "text", nil
	case ".md", ".markdown":
		return "markdown", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
}

// Load extracts page-marked text from the file at path.
func Load(path string) (*ParsedDocument, error) {
	docType, err := DocType(path)
	if err != nil {
		return nil, err
	}

	var parsed *ParsedDocument
	switch docType {
	case "pdf":
		parsed, err = (&FitzParser{}).Parse(path)
	case "epub":
		parsed, err = (&FitzParser{}).Parse(path)
		if err != nil {
			logger.Debug("mupdf could not open %s, reading archive directly: %v", filepath.Base(path), err)
			parsed, err = (&EPUBZipParser{}).Parse(path)
		}
	default:
		parsed, err = (&TextParser{}).Parse(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return parsed, nil
}

// FileHash computes the SHA256 hash of a file
func FileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}
