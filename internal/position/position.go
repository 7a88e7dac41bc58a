// Package position converts between character offsets into a document and
// (line, column) positions.
//
// Lines are 1-based and columns are 0-based. Both count Unicode characters,
// not bytes. Out of range inputs are clamped rather than rejected.
package position

import "unicode/utf8"

// Position is a location in a document.
type Position struct {
	Line   int
	Column int
}

// ToOffset returns the character offset of pos in doc.
//
// A line before the first is treated as line 1. A line past the last one
// clamps to the end of the document. The column is clamped to the length of
// its line, so the result never lands on a later line.
func ToOffset(doc string, pos Position) int {
	line := pos.Line
	if line < 1 {
		line = 1
	}
	col := pos.Column
	if col < 0 {
		col = 0
	}

	offset := 0
	current := 1
	lineStart := 0
	for _, r := range doc {
		if current == line {
			break
		}
		offset++
		if r == '\n' {
			current++
			lineStart = offset
		}
	}
	if current < line {
		return offset
	}

	lineLen := 0
	for _, r := range doc[byteIndex(doc, lineStart):] {
		if r == '\n' {
			break
		}
		lineLen++
	}
	if col > lineLen {
		col = lineLen
	}
	return lineStart + col
}

// ToPosition returns the position of the character offset in doc. Offsets
// outside [0, length] are clamped.
func ToPosition(doc string, offset int) Position {
	pos := Position{Line: 1}
	if offset <= 0 {
		return pos
	}
	n := 0
	for _, r := range doc {
		if n == offset {
			break
		}
		n++
		if r == '\n' {
			pos.Line++
			pos.Column = 0
			continue
		}
		pos.Column++
	}
	return pos
}

// Length returns the document length in characters.
func Length(doc string) int {
	return utf8.RuneCountInString(doc)
}

// ByteColumn converts a character column within line to a byte column.
func ByteColumn(line string, col int) int {
	if col <= 0 {
		return 0
	}
	return byteIndex(line, col)
}

// CharColumn converts a byte column within line to a character column.
// A byte column inside a multi-byte character counts that character.
func CharColumn(line string, byteCol int) int {
	if byteCol <= 0 {
		return 0
	}
	if byteCol >= len(line) {
		return utf8.RuneCountInString(line)
	}
	return utf8.RuneCountInString(line[:byteCol])
}

// byteIndex returns the byte index of the n-th character of s, or len(s).
func byteIndex(s string, n int) int {
	i := 0
	for b := range s {
		if i == n {
			return b
		}
		i++
	}
	return len(s)
}
