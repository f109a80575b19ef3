// Package fits reads and rewrites FITS primary headers without touching
// the data units that follow them.
package fits

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	cardSize  = 80
	blockSize = 2880
	hierarch  = "HIERARCH "
)

// Card is one header record. Value holds the raw value token as written,
// string values keep their quotes.
type Card struct {
	Key     string
	Value   string
	Comment string
	HasEq   bool
	raw     string
}

// Header is an ordered list of cards, END excluded.
type Header struct {
	cards []Card
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{}
}

// Cards returns a copy of the cards in order.
func (h *Header) Cards() []Card {
	return append([]Card(nil), h.cards...)
}

// Len is the number of cards.
func (h *Header) Len() int {
	return len(h.cards)
}

func normKey(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	return strings.TrimPrefix(key, hierarch)
}

func (h *Header) index(key string) int {
	key = normKey(key)
	for i, c := range h.cards {
		if c.HasEq && c.Key == key {
			return i
		}
	}
	return -1
}

// Has reports whether key carries a value.
func (h *Header) Has(key string) bool {
	return h.index(key) >= 0
}

// Get returns the raw value token of key.
func (h *Header) Get(key string) (string, bool) {
	i := h.index(key)
	if i < 0 {
		return "", false
	}
	return h.cards[i].Value, true
}

// String returns the value of key with quotes and trailing blanks removed.
func (h *Header) String(key string) (string, bool) {
	v, ok := h.Get(key)
	if !ok {
		return "", false
	}
	return unquote(v), true
}

// Float returns the numeric value of key. FITS 'D' exponents are accepted.
func (h *Header) Float(key string) (float64, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("keyword %s not found", normKey(key))
	}
	v = strings.NewReplacer("D", "E", "d", "e").Replace(unquote(v))
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("keyword %s: %w", normKey(key), err)
	}
	return f, nil
}

// Int returns the integer value of key.
func (h *Header) Int(key string) (int, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("keyword %s not found", normKey(key))
	}
	n, err := strconv.Atoi(strings.TrimSpace(unquote(v)))
	if err != nil {
		f, ferr := h.Float(key)
		if ferr != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("keyword %s: %w", normKey(key), err)
		}
		return int(f), nil
	}
	return n, nil
}

// Set replaces the value of key, or appends a new card when absent.
// Supported values are string, bool, int types and float64.
func (h *Header) Set(key string, value any, comment string) error {
	token, err := formatValue(value)
	if err != nil {
		return fmt.Errorf("keyword %s: %w", key, err)
	}
	h.setRaw(key, token, comment)
	return nil
}

func (h *Header) setRaw(key, token, comment string) {
	key = normKey(key)
	if i := h.index(key); i >= 0 {
		h.cards[i].Value = token
		if comment != "" {
			h.cards[i].Comment = comment
		}
		h.cards[i].raw = ""
		return
	}
	h.cards = append(h.cards, Card{Key: key, Value: token, Comment: comment, HasEq: true})
}

// Delete removes every card carrying key and reports whether any existed.
func (h *Header) Delete(key string) bool {
	key = normKey(key)
	kept := h.cards[:0]
	removed := false
	for _, c := range h.cards {
		if c.HasEq && c.Key == key {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	h.cards = kept
	return removed
}

// DeleteFunc removes every valued card whose key matches and returns how
// many were removed.
func (h *Header) DeleteFunc(match func(key string) bool) int {
	kept := h.cards[:0]
	removed := 0
	for _, c := range h.cards {
		if c.HasEq && match(c.Key) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	h.cards = kept
	return removed
}

// Merge copies every valued card of other into h, overwriting existing keys.
func (h *Header) Merge(other *Header) {
	for _, c := range other.cards {
		if !c.HasEq {
			continue
		}
		h.setRaw(c.Key, c.Value, c.Comment)
	}
}

// Filter returns a header with the valued cards for which keep is true.
func (h *Header) Filter(keep func(key string) bool) *Header {
	out := NewHeader()
	for _, c := range h.cards {
		if c.HasEq && keep(c.Key) {
			out.cards = append(out.cards, c)
		}
	}
	return out
}

// IsWCSKey reports whether key belongs to a celestial WCS description,
// including distortion terms.
func IsWCSKey(key string) bool {
	switch key {
	case "EQUINOX", "RADESYS", "RADECSYS", "LONPOLE", "LATPOLE", "WCSAXES", "MJDREF":
		return true
	}
	for _, p := range []string{"CTYPE", "CUNIT", "CRVAL", "CRPIX", "CDELT", "CROTA", "CD1_", "CD2_", "PC1_", "PC2_", "PV1_", "PV2_"} {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// IsCelestial reports whether h describes a usable celestial WCS: a
// longitude/latitude CTYPE pair with reference values, reference pixels and
// a CD or CDELT scale.
func IsCelestial(h *Header) bool {
	t1, ok1 := h.String("CTYPE1")
	t2, ok2 := h.String("CTYPE2")
	if !ok1 || !ok2 {
		return false
	}
	if !celestialPair(axisName(t1), axisName(t2)) {
		return false
	}
	for _, k := range []string{"CRVAL1", "CRVAL2", "CRPIX1", "CRPIX2"} {
		if _, err := h.Float(k); err != nil {
			return false
		}
	}
	if h.Has("CD1_1") && h.Has("CD2_2") {
		return true
	}
	return h.Has("CDELT1") && h.Has("CDELT2")
}

func axisName(ctype string) string {
	ctype = strings.ToUpper(strings.TrimSpace(ctype))
	if i := strings.IndexByte(ctype, '-'); i >= 0 {
		ctype = ctype[:i]
	}
	return ctype
}

func celestialPair(a, b string) bool {
	pairs := map[string]string{"RA": "DEC", "GLON": "GLAT", "ELON": "ELAT"}
	if pairs[a] == b || pairs[b] == a {
		return true
	}
	return false
}

// ParseHeaderText parses newline separated cards as written by SCAMP.
// Non-ASCII characters are transliterated to their closest ASCII form.
func ParseHeaderText(text string) (*Header, error) {
	text = toASCII(text)
	h := NewHeader()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) > cardSize {
			line = line[:cardSize]
		}
		card := parseCard(line)
		if card.Key == "END" {
			break
		}
		h.cards = append(h.cards, card)
	}
	return h, nil
}

func toASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return '?'
		}
		return r
	}, out)
}

func parseCard(line string) Card {
	padded := line + strings.Repeat(" ", max(0, cardSize-len(line)))
	card := Card{raw: padded}

	if strings.HasPrefix(padded, hierarch) {
		rest := padded[len(hierarch):]
		if eq := strings.IndexByte(rest, '='); eq >= 0 {
			card.Key = normKey(rest[:eq])
			card.HasEq = true
			card.Value, card.Comment = splitValue(rest[eq+1:])
			return card
		}
	}

	card.Key = strings.TrimSpace(padded[:8])
	if padded[8:10] == "= " {
		card.HasEq = true
		card.Value, card.Comment = splitValue(padded[10:])
		return card
	}
	card.Comment = strings.TrimRight(padded[8:], " ")
	return card
}

func splitValue(s string) (value, comment string) {
	s = strings.TrimLeft(s, " ")
	if strings.HasPrefix(s, "'") {
		i := 1
		for i < len(s) {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i += 2
					continue
				}
				break
			}
			i++
		}
		end := min(i+1, len(s))
		value = s[:end]
		s = s[end:]
	} else {
		slash := strings.IndexByte(s, '/')
		if slash < 0 {
			return strings.TrimSpace(s), ""
		}
		value = strings.TrimSpace(s[:slash])
		s = s[slash:]
	}
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		comment = strings.TrimSpace(s[slash+1:])
	}
	return value, comment
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		v = strings.ReplaceAll(v[1:len(v)-1], "''", "'")
		return strings.TrimRight(v, " ")
	}
	return v
}

func formatValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		s := strings.ReplaceAll(v, "'", "''")
		if len(s) < 8 {
			s += strings.Repeat(" ", 8-len(s))
		}
		return "'" + s + "'", nil
	case bool:
		if v {
			return "T", nil
		}
		return "F", nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		s := strconv.FormatFloat(v, 'G', -1, 64)
		if !strings.ContainsAny(s, ".EN") {
			s += ".0"
		}
		return s, nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

// encode renders a card as exactly 80 characters.
func (c Card) encode() string {
	if c.raw != "" {
		return c.raw
	}
	var line string
	switch {
	case !c.HasEq:
		line = fmt.Sprintf("%-8s%s", c.Key, c.Comment)
	case len(c.Key) > 8 || strings.Contains(c.Key, " "):
		line = hierarch + c.Key + " = " + c.Value
		if c.Comment != "" {
			line += " / " + c.Comment
		}
	default:
		value := c.Value
		if !strings.HasPrefix(value, "'") {
			value = fmt.Sprintf("%20s", value)
		}
		line = fmt.Sprintf("%-8s= %s", c.Key, value)
		if c.Comment != "" {
			line += " / " + c.Comment
		}
	}
	if len(line) > cardSize {
		return line[:cardSize]
	}
	return line + strings.Repeat(" ", cardSize-len(line))
}

// Encode renders the header including END, padded to whole blocks.
func (h *Header) Encode() []byte {
	var b strings.Builder
	for _, c := range h.cards {
		b.WriteString(c.encode())
	}
	b.WriteString("END" + strings.Repeat(" ", cardSize-3))
	n := b.Len()
	if rem := n % blockSize; rem != 0 {
		b.WriteString(strings.Repeat(" ", blockSize-rem))
	}
	return []byte(b.String())
}
