package psi

import (
	"strings"

	"golang.org/x/text/encoding/japanese"
)

// ARIB STD-B24 8-bit character strings, as used in service, provider and
// network names. The default designation is G0=kanji, G1=alphanumeric,
// G2=hiragana, G3=katakana with GL invoking G0 and GR invoking G2; names
// overwhelmingly stay inside that set. Two-byte kanji codes are JIS X
// 0208 and go through the x/text ISO-2022-JP decoder; ARIB gaiji rows
// outside JIS X 0208 decode to nothing.

type gset int

const (
	gKanji gset = iota
	gAlnum
	gHiragana
	gKatakana
	gHalfKana // JIS X 0201 katakana
)

// DecodeARIB renders an ARIB 8-bit string as UTF-8.
func DecodeARIB(data []byte) string {
	g := [4]gset{gKanji, gAlnum, gHiragana, gKatakana}
	gl, gr := 0, 2
	ss := -1 // single-shift target, -1 when inactive

	var out strings.Builder
	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == 0x0F: // LS0
			gl, i = 0, i+1
		case c == 0x0E: // LS1
			gl, i = 1, i+1
		case c == 0x19: // SS2
			ss, i = 2, i+1
		case c == 0x1D: // SS3
			ss, i = 3, i+1
		case c == 0x1B:
			var n int
			gl, gr, g, n = designate(data[i:], gl, gr, g)
			i += n
		case c == 0x0D:
			out.WriteByte(' ')
			i++
		case c == 0x20, c == 0xA0:
			out.WriteByte(' ')
			ss = -1
			i++
		case c < 0x21 || c == 0x7F || (c > 0x7F && c < 0xA1):
			i++ // unused control area
		default:
			set := g[gl]
			if ss >= 0 {
				set = g[ss]
				ss = -1
			}
			b := c
			if c >= 0xA1 {
				set = g[gr]
				b = c & 0x7F
			}
			if set == gKanji {
				if i+1 >= len(data) {
					return out.String()
				}
				b2 := data[i+1] & 0x7F
				out.WriteString(jisKanji(b, b2))
				i += 2
			} else {
				out.WriteRune(singleByteRune(set, b))
				i++
			}
		}
	}
	return out.String()
}

// designate consumes an escape sequence, returning the new invocation and
// designation state plus the sequence length.
func designate(data []byte, gl, gr int, g [4]gset) (int, int, [4]gset, int) {
	if len(data) < 2 {
		return gl, gr, g, len(data)
	}
	switch b := data[1]; {
	case b == 0x6E: // LS2
		return 2, gr, g, 2
	case b == 0x6F: // LS3
		return 3, gr, g, 2
	case b == 0x7C:
		return gl, 3, g, 2
	case b == 0x7D:
		return gl, 2, g, 2
	case b == 0x7E:
		return gl, 1, g, 2
	case b >= 0x28 && b <= 0x2B: // single-byte set into G0..G3
		if len(data) < 3 {
			return gl, gr, g, len(data)
		}
		g[b-0x28] = singleByteSet(data[2])
		return gl, gr, g, 3
	case b == 0x24: // multi-byte set
		if len(data) >= 4 && data[2] >= 0x28 && data[2] <= 0x2B {
			g[data[2]-0x28] = gKanji
			return gl, gr, g, 4
		}
		if len(data) >= 3 {
			g[0] = gKanji
			return gl, gr, g, 3
		}
		return gl, gr, g, len(data)
	default:
		return gl, gr, g, 2
	}
}

func singleByteSet(final byte) gset {
	switch final {
	case 0x30:
		return gHiragana
	case 0x31:
		return gKatakana
	case 0x49:
		return gHalfKana
	default: // 0x4A alphanumeric, plus ASCII designations
		return gAlnum
	}
}

func singleByteRune(set gset, c byte) rune {
	switch set {
	case gHiragana:
		if c <= 0x73 {
			return rune(0x3041 + int(c) - 0x21)
		}
		return kanaExtra(c)
	case gKatakana:
		if c <= 0x76 {
			return rune(0x30A1 + int(c) - 0x21)
		}
		return kanaExtra(c)
	case gHalfKana:
		if c <= 0x5F {
			return rune(0xFF61 + int(c) - 0x21)
		}
		return ' '
	default:
		return rune(c)
	}
}

// Trailing positions shared by the kana sets: iteration marks and
// punctuation.
func kanaExtra(c byte) rune {
	switch c {
	case 0x77, 0x74:
		return 'ヽ'
	case 0x78, 0x75:
		return 'ヾ'
	case 0x79, 0x76:
		return 'ー'
	case 0x7A:
		return '。'
	case 0x7B:
		return '「'
	case 0x7C:
		return '」'
	case 0x7D:
		return '、'
	case 0x7E:
		return '・'
	default:
		return ' '
	}
}

// jisKanji decodes one JIS X 0208 code point.
func jisKanji(b1, b2 byte) string {
	seq := []byte{0x1B, '$', 'B', b1, b2}
	decoded, err := japanese.ISO2022JP.NewDecoder().Bytes(seq)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(string(decoded), "�", "")
}

// NormalizeName folds a decoded broadcast name for catalog storage:
// full-width ASCII variants narrow, ideographic space narrows, edges trim.
// Kana stay full width.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 0xFF01 && r <= 0xFF5E:
			b.WriteRune(r - 0xFEE0)
		case r == 0x3000:
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
