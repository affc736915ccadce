// Package form turns uploaded text into a project brief.
package form

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxUploadSize bounds the size of an uploaded brief.
const MaxUploadSize = 1 << 20

// ErrUnsupportedType is returned for uploads that are not plain text files.
var ErrUnsupportedType = errors.New("only .txt files are supported")

// ErrEmptyUpload is returned for uploads without any text.
var ErrEmptyUpload = errors.New("uploaded file is empty")

// DecodeError reports an upload that is not valid UTF-8 text.
type DecodeError struct {
	Filename string
	Offset   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("Datei %q konnte nicht als UTF-8 Text gelesen werden (Byte %d)", e.Filename, e.Offset)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeUpload validates an uploaded file and returns its text.
func DecodeUpload(filename string, data []byte) (string, error) {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != ".txt" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, filename)
	}
	if len(data) > MaxUploadSize {
		return "", fmt.Errorf("uploaded file exceeds %d bytes", MaxUploadSize)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	if !utf8.Valid(data) {
		return "", &DecodeError{Filename: filename, Offset: firstInvalid(data)}
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", ErrEmptyUpload
	}
	return text, nil
}

func firstInvalid(data []byte) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return -1
}
