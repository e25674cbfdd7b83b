package preview

import (
	"bytes"
	"unicode"
	"unicode/utf8"
)

// binarySampleSize bounds how much of a file is inspected.
const binarySampleSize = 8000

// nonPrintableRatio above which content is treated as binary.
const nonPrintableRatio = 0.3

// IsBinary reports whether content should not be diffed as text: it holds
// a NUL byte, is not valid UTF-8, or is mostly non-printable.
func IsBinary(content []byte) bool {
	if len(content) == 0 {
		return false
	}
	sample := content
	if len(sample) > binarySampleSize {
		sample = sample[:binarySampleSize]
		// don't split a multi-byte rune at the cut
		for i := 0; i < utf8.UTFMax && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}

	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	if !utf8.Valid(sample) {
		return true
	}

	var total, nonPrintable int
	for _, r := range string(sample) {
		total++
		switch r {
		case '\n', '\r', '\t', '\f', '\v':
			continue
		}
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(total) > nonPrintableRatio
}
