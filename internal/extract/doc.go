package extract

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf16"

	"github.com/richardlehane/mscfb"
)

// Word binary (.doc) files are OLE2 compound files. Text lives in the
// WordDocument stream and is located through the piece table (CLX) stored in
// the 0Table or 1Table stream.
const (
	fibFlagsOffset  = 0x0A
	fibFcClxOffset  = 0x01A2
	fibLcbClxOffset = 0x01A6
	pcdSize         = 8
	maxPieceChars   = 1_000_000
)

// fieldCodeMarkers identify lines of Word field instructions that leak into the text stream.
var fieldCodeMarkers = []string{
	"HYPERLINK",
	"PAGEREF",
	"MERGEFORMAT",
	`TOC \o`,
	`TOC \h`,
	`\l "`,
	` \h`,
}

func extractDOC(path string) (doc *Document, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			doc, err = nil, fmt.Errorf("malformed doc: %v", rec)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	cfb, err := mscfb.New(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read ole2 container: %w", err)
	}

	streams := make(map[string][]byte)
	for entry, err := cfb.Next(); err == nil; entry, err = cfb.Next() {
		switch entry.Name {
		case "WordDocument", "0Table", "1Table":
			data, readErr := io.ReadAll(entry)
			if readErr != nil {
				return nil, fmt.Errorf("failed to read %s stream: %w", entry.Name, readErr)
			}
			streams[entry.Name] = data
		}
	}

	wordDoc := streams["WordDocument"]
	if len(wordDoc) < fibFlagsOffset+2 {
		return nil, errors.New("doc container has no WordDocument stream")
	}

	table := streams["0Table"]
	if binary.LittleEndian.Uint16(wordDoc[fibFlagsOffset:])&(1<<9) != 0 {
		table = streams["1Table"]
	}

	text := pieceTableText(wordDoc, table)
	if strings.TrimSpace(text) == "" {
		text = printableRuns(wordDoc)
	}
	return &Document{Text: dropFieldCodes(text)}, nil
}

// pieceTableText follows the CLX piece descriptors. It returns "" when the
// table is missing or inconsistent so the caller can fall back to a raw scan.
func pieceTableText(wordDoc, table []byte) string {
	if len(wordDoc) < fibLcbClxOffset+4 || len(table) == 0 {
		return ""
	}
	fcClx := int(binary.LittleEndian.Uint32(wordDoc[fibFcClxOffset:]))
	lcbClx := int(binary.LittleEndian.Uint32(wordDoc[fibLcbClxOffset:]))
	if lcbClx == 0 || fcClx < 0 || fcClx+lcbClx > len(table) {
		return ""
	}
	clx := table[fcClx : fcClx+lcbClx]

	// Skip Prc entries (0x01) until the Pcdt marker (0x02).
	pos := 0
	for pos < len(clx) && clx[pos] == 0x01 {
		if pos+3 > len(clx) {
			return ""
		}
		pos += 3 + int(binary.LittleEndian.Uint16(clx[pos+1:]))
	}
	if pos >= len(clx) || clx[pos] != 0x02 || pos+5 > len(clx) {
		return ""
	}
	lcb := int(binary.LittleEndian.Uint32(clx[pos+1:]))
	pos += 5
	if lcb < 4+4+pcdSize || pos+lcb > len(clx) {
		return ""
	}
	plc := clx[pos : pos+lcb]

	n := (lcb - 4) / (4 + pcdSize)
	cpBytes := (n + 1) * 4

	var sb strings.Builder
	for i := 0; i < n; i++ {
		cpStart := binary.LittleEndian.Uint32(plc[i*4:])
		cpEnd := binary.LittleEndian.Uint32(plc[(i+1)*4:])
		if cpEnd <= cpStart || cpEnd-cpStart > maxPieceChars {
			continue
		}
		chars := int(cpEnd - cpStart)

		fc := binary.LittleEndian.Uint32(plc[cpBytes+i*pcdSize+2:])
		if fc&0x40000000 == 0 {
			off := int(fc & 0x3FFFFFFF)
			if off+chars*2 > len(wordDoc) {
				continue
			}
			units := make([]uint16, chars)
			for j := range units {
				units[j] = binary.LittleEndian.Uint16(wordDoc[off+j*2:])
			}
			for _, r := range utf16.Decode(units) {
				writeWordRune(&sb, r)
			}
		} else {
			off := int(fc&0x3FFFFFFF) / 2
			if off+chars > len(wordDoc) {
				continue
			}
			for _, b := range wordDoc[off : off+chars] {
				writeWordRune(&sb, rune(b))
			}
		}
	}
	return sb.String()
}

// writeWordRune maps Word's paragraph and cell marks to newlines and tabs and drops other control characters.
func writeWordRune(sb *strings.Builder, r rune) {
	switch {
	case r == 0x0D || r == 0x0B:
		sb.WriteByte('\n')
	case r == 0x07:
		sb.WriteByte('\t')
	case r == 0x09 || r >= 0x20:
		sb.WriteRune(r)
	}
}

// printableRuns is a best-effort scan of the WordDocument stream for ASCII text.
func printableRuns(data []byte) string {
	var sb strings.Builder
	inRun := false
	for _, b := range data {
		switch {
		case b == 0x0D || b == 0x0A:
			sb.WriteByte('\n')
			inRun = true
		case b == 0x09 || (b >= 0x20 && b < 0x7F):
			sb.WriteByte(b)
			inRun = true
		default:
			if inRun {
				sb.WriteByte('\n')
			}
			inRun = false
		}
	}
	return sb.String()
}

func dropFieldCodes(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isFieldCode(strings.TrimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isFieldCode(line string) bool {
	for _, marker := range fieldCodeMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
