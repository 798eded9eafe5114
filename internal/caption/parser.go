// Package caption turns free-form media captions into track metadata.
//
// Parsing runs in two stages: Normalize removes invisible characters that
// uploaders insert to defeat text search, then the cleaned text is scanned
// for a labelled info block, bare URLs and title/artist lines. Every function
// is pure; malformed input yields empty fields, never an error.
package caption

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Source selects which input wins when both carry a value
type Source string

const (
	FromTags      Source = "tags"
	FromCaption   Source = "caption"
	FromInfoBlock Source = "info"
	FromFirstURL  Source = "url"
)

// Policy makes field precedence explicit.
// TitleArtist is FromTags or FromCaption; TrackID is FromInfoBlock or
// FromFirstURL.
type Policy struct {
	TitleArtist Source
	TrackID     Source
}

// DefaultPolicy lets embedded tags win for title/artist and the info block
// win for the track id
var DefaultPolicy = Policy{TitleArtist: FromTags, TrackID: FromInfoBlock}

// ParsePolicy builds a Policy from configuration strings
func ParsePolicy(titleArtist, trackID string) (Policy, error) {
	p := DefaultPolicy
	switch Source(strings.ToLower(titleArtist)) {
	case "", FromTags:
	case FromCaption:
		p.TitleArtist = FromCaption
	default:
		return p, fmt.Errorf("unknown title/artist source %q", titleArtist)
	}
	switch Source(strings.ToLower(trackID)) {
	case "", FromInfoBlock:
	case FromFirstURL:
		p.TrackID = FromFirstURL
	default:
		return p, fmt.Errorf("unknown track id source %q", trackID)
	}
	return p, nil
}

// Input is one caption plus the file-level tags of the same media
type Input struct {
	Caption   string
	Performer string
	Title     string
}

// Parsed holds whatever could be extracted; empty strings mean absent
type Parsed struct {
	Title     string
	Artist    string
	TrackID   string
	URL       string
	Platform  string
	InfoBlock string
}

// IsEmpty reports whether nothing was extracted
func (p Parsed) IsEmpty() bool {
	return p == Parsed{}
}

var (
	urlRe  = regexp.MustCompile(`(?i)https?://[^\s<>()\[\]{}"'|]+`)
	infoRe = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])info(\s*[:\-\x{2013}]\s*|\s+)?`)

	// separators after which the rest of a line is decoration
	tailRe = regexp.MustCompile(`\s*\|.*$|\s+[-\x{2013}\x{2014}]\s+.*$`)
	wordRe = regexp.MustCompile(`(?i)\binfo\b|www\.`)
)

// Parse extracts track metadata from in according to policy
func Parse(in Input, policy Policy) Parsed {
	text := Normalize(in.Caption)

	var out Parsed
	out.InfoBlock, out.URL = pickURL(text, policy.TrackID)
	if out.URL != "" {
		out.TrackID, out.Platform = TrackIDFromURL(out.URL)
	}

	capTitle, capArtist := titleArtistFromLines(text)
	tagTitle := strings.TrimSpace(Normalize(in.Title))
	tagArtist := strings.TrimSpace(Normalize(in.Performer))

	if policy.TitleArtist == FromCaption {
		out.Title = firstNonEmpty(capTitle, tagTitle)
		out.Artist = firstNonEmpty(capArtist, tagArtist)
	} else {
		out.Title = firstNonEmpty(tagTitle, capTitle)
		out.Artist = firstNonEmpty(tagArtist, capArtist)
	}
	return out
}

// pickURL returns the info block text and the authoritative URL
func pickURL(text string, source Source) (infoBlock, link string) {
	first := firstURL(text)

	infoBlock, infoURL := findInfoBlock(text)
	if source == FromFirstURL {
		return infoBlock, firstNonEmpty(first, infoURL)
	}
	return infoBlock, firstNonEmpty(infoURL, first)
}

// findInfoBlock locates an "info" label and returns the rest of its line plus
// the first URL at or after the label
func findInfoBlock(text string) (string, string) {
	urls := urlRe.FindAllStringIndex(text, -1)
	for _, loc := range infoRe.FindAllStringSubmatchIndex(text, -1) {
		// ".info" in a host or path belongs to the URL
		if insideAny(urls, keywordStart(text, loc[0])) {
			continue
		}
		end := loc[1]
		rest := text[end:]
		labelled := loc[2] >= 0 && loc[3] > loc[2]
		// "information", "infographic": a word, not a label; after invisible
		// characters are stripped the URL may follow the label directly
		if !labelled && rest != "" && !hasPrefixFold(rest, "http") {
			r := []rune(rest)[0]
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				continue
			}
		}

		line := rest
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		return strings.TrimSpace(line), firstURL(rest)
	}
	return "", ""
}

// keywordStart skips the boundary character infoRe may match before "info"
func keywordStart(text string, at int) int {
	if r, size := utf8.DecodeRuneInString(text[at:]); r != 'i' && r != 'I' {
		return at + size
	}
	return at
}

func insideAny(spans [][]int, at int) bool {
	for _, sp := range spans {
		if at >= sp[0] && at < sp[1] {
			return true
		}
	}
	return false
}

func firstURL(text string) string {
	m := urlRe.FindString(text)
	return strings.TrimRight(m, ".,;:!?")
}

var platformPatterns = []struct {
	platform string
	re       *regexp.Regexp
}{
	{"spotify", regexp.MustCompile(`^https?://open\.spotify\.com/(?:intl-[a-z]+/)?track/([A-Za-z0-9]+)`)},
	{"jiosaavn", regexp.MustCompile(`^https?://(?:www\.)?jiosaavn\.com/song/[^/]+/([A-Za-z0-9_-]+)`)},
	{"youtube", regexp.MustCompile(`^https?://(?:www\.|m\.|music\.)?youtube\.com/(?:watch\?(?:[^#]*&)?v=|shorts/)([A-Za-z0-9_-]+)`)},
	{"youtube", regexp.MustCompile(`^https?://youtu\.be/([A-Za-z0-9_-]+)`)},
	{"apple_music", regexp.MustCompile(`^https?://music\.apple\.com/.*[?&]i=([0-9]+)`)},
	{"apple_music", regexp.MustCompile(`^https?://music\.apple\.com/[^/]+/album/[^/]+/([0-9]+)`)},
	{"soundcloud", regexp.MustCompile(`^https?://(?:www\.)?soundcloud\.com/[\w-]+/([\w-]+)`)},
}

// TrackIDFromURL derives a track id from a known platform URL, falling back
// to the last path segment of any other URL
func TrackIDFromURL(raw string) (trackID, platform string) {
	for _, p := range platformPatterns {
		if m := p.re.FindStringSubmatch(raw); m != nil {
			return m[1], p.platform
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	return last, host
}

// titleArtistFromLines takes the first two non-empty lines as title and
// artist, dropping either when it is markup rather than a name
func titleArtistFromLines(text string) (title, artist string) {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
		if len(lines) == 2 {
			break
		}
	}
	if len(lines) > 0 {
		title = cleanNameLine(lines[0])
	}
	if len(lines) > 1 {
		artist = cleanNameLine(lines[1])
	}
	return title, artist
}

func cleanNameLine(line string) string {
	if strings.HasPrefix(line, "@") || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "|") {
		return ""
	}
	if urlRe.MatchString(line) || wordRe.MatchString(line) || strings.ContainsAny(line, "[]{}<>") {
		return ""
	}

	line = strings.TrimLeftFunc(line, isDecoration)
	line = tailRe.ReplaceAllString(line, "")
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, "(") && strings.HasSuffix(line, ")") {
		return ""
	}
	return line
}

// isDecoration matches emoji and symbols used as line bullets
func isDecoration(r rune) bool {
	return unicode.IsSpace(r) || unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r) ||
		r == '\uFE0F' || r == '•' || r == '*' || r == '-'
}

// Minimal renders the three-line caption sent with backup copies
func Minimal(title, artist, trackID string) string {
	return fmt.Sprintf("🎵 %s\n👤 %s\n🆔 %s",
		firstNonEmpty(title, "Unknown Title"),
		firstNonEmpty(artist, "Unknown Artist"),
		firstNonEmpty(trackID, "N/A"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
