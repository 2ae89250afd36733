package render

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PageCount parses a rendered PDF and returns its number of pages.
// The parser panics on some malformed input; that is reported as an error.
func PageCount(doc []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	return r.NumPage(), nil
}
