package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/ebfe/scard"
)

// Reader represents a single NFC reader device.
type Reader struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // "picc" for contactless readers, "sam" for SAM slots
}

// ListReaders returns the names of the attached readers in PC/SC order.
// No attached readers is an empty, non-nil slice rather than an error.
func ListReaders(ctx SmartCardContext) ([]string, error) {
	names, err := ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			// This is normal when no readers are connected, log at debug level
			logging.Debug(logging.CatReader, "No readers found", map[string]any{
				"error": err.Error(),
			})
			return []string{}, nil
		}
		return nil, &EnumerationError{Err: err}
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// DescribeReaders classifies reader names for reporting.
func DescribeReaders(names []string) []Reader {
	readers := make([]Reader, 0, len(names))
	for i, name := range names {
		readers = append(readers, Reader{
			ID:   fmt.Sprintf("reader-%d", i),
			Name: name,
			Type: detectReaderType(name),
		})
	}
	return readers
}

// detectReaderType determines if a reader is a PICC or SAM interface based on its name.
func detectReaderType(name string) string {
	nameLower := strings.ToLower(name)

	// Check for SAM keywords
	if strings.Contains(nameLower, " sam") || strings.Contains(nameLower, "sam ") {
		return "sam"
	}

	// Default to PICC, including readers without explicit type indicators
	// (like some ACR122U models that don't include "PICC" in the name)
	return "picc"
}

// sameReaders reports whether a and b contain the same set of names.
func sameReaders(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, name := range a {
		seen[name]++
	}
	for _, name := range b {
		if seen[name] == 0 {
			return false
		}
		seen[name]--
	}
	return true
}
