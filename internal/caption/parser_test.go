package caption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "hello world", "hello world"},
		{"invisible separator", "in\u2063fo", "info"},
		{"zero width space", "spo\u200Btify", "spotify"},
		{"soft hyphen", "track\u00AD", "track"},
		{"bom and joiner", "\uFEFFa\u2060b\u200Dc", "abc"},
		{"crlf", "a\r\nb", "a\nb"},
		{"keeps emoji", "🎵 Song", "🎵 Song"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.input)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, got, Normalize(got), "normalize must be idempotent")
		})
	}
}

func TestParse_InfoBlockWithInvisibleCharacters(t *testing.T) {
	in := Input{Caption: "in\u2063fo: https://exa\u200Bmple.com/track/XYZ123"}

	got := Parse(in, DefaultPolicy)

	assert.Equal(t, "XYZ123", got.TrackID)
	assert.Equal(t, "https://example.com/track/XYZ123", got.URL)
	assert.Equal(t, "example.com", got.Platform)
	assert.Equal(t, "https://example.com/track/XYZ123", got.InfoBlock)
}

func TestParse_LabelGluedToURL(t *testing.T) {
	in := Input{Caption: "Song\nArtist\ninfo\u2063https://o\u2063pen.spotify.com/track/1BxfuPKGuaTgP7aM0Bbdwr\u00AD"}

	got := Parse(in, DefaultPolicy)

	assert.Equal(t, "1BxfuPKGuaTgP7aM0Bbdwr", got.TrackID)
	assert.Equal(t, "spotify", got.Platform)
	assert.Equal(t, "Song", got.Title)
	assert.Equal(t, "Artist", got.Artist)
}

func TestParse_PlatformPatterns(t *testing.T) {
	tests := []struct {
		url      string
		trackID  string
		platform string
	}{
		{"https://open.spotify.com/track/7qiZfU4dY1lWllzX7mkmht?si=abc", "7qiZfU4dY1lWllzX7mkmht", "spotify"},
		{"https://open.spotify.com/intl-de/track/7qiZfU4dY1lWllzX7mkmht", "7qiZfU4dY1lWllzX7mkmht", "spotify"},
		{"https://www.jiosaavn.com/song/some-song/ABC_12-x", "ABC_12-x", "jiosaavn"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", "youtube"},
		{"https://music.youtube.com/watch?list=x&v=dQw4w9WgXcQ", "dQw4w9WgXcQ", "youtube"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", "youtube"},
		{"https://music.apple.com/us/album/name/1440857781?i=1440858000", "1440858000", "apple_music"},
		{"https://soundcloud.com/artist-name/track-name", "track-name", "soundcloud"},
		{"https://www.example.org/a/b/c/", "c", "example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			id, platform := TrackIDFromURL(tt.url)
			assert.Equal(t, tt.trackID, id)
			assert.Equal(t, tt.platform, platform)
		})
	}
}

func TestParse_BareURLWithoutInfoBlock(t *testing.T) {
	got := Parse(Input{Caption: "listen here https://youtu.be/abc123."}, DefaultPolicy)

	assert.Equal(t, "abc123", got.TrackID)
	assert.Equal(t, "https://youtu.be/abc123", got.URL)
	assert.Empty(t, got.InfoBlock)
}

func TestParse_TrackIDPrecedence(t *testing.T) {
	caption := "https://youtu.be/first\ninfo: https://example.com/track/second"

	got := Parse(Input{Caption: caption}, DefaultPolicy)
	assert.Equal(t, "second", got.TrackID)

	got = Parse(Input{Caption: caption}, Policy{TitleArtist: FromTags, TrackID: FromFirstURL})
	assert.Equal(t, "first", got.TrackID)
}

func TestParse_InformationIsNotALabel(t *testing.T) {
	got := Parse(Input{Caption: "more information soon"}, DefaultPolicy)

	assert.Empty(t, got.InfoBlock)
	assert.Empty(t, got.URL)

	// a .info domain is part of a URL, so the first URL wins
	got = Parse(Input{Caption: "Check https://foo.info/a and https://bar.com/b"}, DefaultPolicy)
	assert.Empty(t, got.InfoBlock)
	assert.Equal(t, "https://foo.info/a", got.URL)
	assert.Equal(t, "a", got.TrackID)

	got = Parse(Input{Caption: "https://site.com/info/x\ninfo: https://example.com/track/T1"}, DefaultPolicy)
	assert.Equal(t, "https://example.com/track/T1", got.URL)
	assert.Equal(t, "T1", got.TrackID)
}

func TestParse_TitleArtistPrecedence(t *testing.T) {
	in := Input{
		Caption:   "Caption Title\nCaption Artist",
		Title:     "Tag Title",
		Performer: "Tag Artist",
	}

	got := Parse(in, DefaultPolicy)
	assert.Equal(t, "Tag Title", got.Title)
	assert.Equal(t, "Tag Artist", got.Artist)

	got = Parse(in, Policy{TitleArtist: FromCaption, TrackID: FromInfoBlock})
	assert.Equal(t, "Caption Title", got.Title)
	assert.Equal(t, "Caption Artist", got.Artist)

	// each field falls back independently
	got = Parse(Input{Caption: "Caption Title\nCaption Artist", Title: "Tag Title"}, DefaultPolicy)
	assert.Equal(t, "Tag Title", got.Title)
	assert.Equal(t, "Caption Artist", got.Artist)
}

func TestParse_TitleLineCleanup(t *testing.T) {
	tests := []struct {
		name    string
		caption string
		title   string
		artist  string
	}{
		{"emoji bullets", "🎵 Song Name\n👤 Jay-Z", "Song Name", "Jay-Z"},
		{"pipe tail", "Song Name | @channel\nArtist - Topic", "Song Name", "Artist"},
		{"mention line", "@channel\nArtist", "", "Artist"},
		{"url line", "https://example.com/x\nArtist", "", "Artist"},
		{"info line", "Song\ninfo: see below", "Song", ""},
		{"bracketed", "[Official Video]\nArtist", "", "Artist"},
		{"parenthesized", "(Remastered)\nArtist", "", "Artist"},
		{"blank lines", "\n\n  Song  \n\nArtist\nignored", "Song", "Artist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(Input{Caption: tt.caption}, Policy{TitleArtist: FromCaption, TrackID: FromInfoBlock})
			assert.Equal(t, tt.title, got.Title)
			assert.Equal(t, tt.artist, got.Artist)
		})
	}
}

func TestParse_AbsentCaption(t *testing.T) {
	got := Parse(Input{}, DefaultPolicy)
	assert.True(t, got.IsEmpty())

	got = Parse(Input{Title: "Song A", Performer: "Artist A"}, DefaultPolicy)
	assert.Equal(t, "Song A", got.Title)
	assert.Equal(t, "Artist A", got.Artist)
	assert.Empty(t, got.TrackID)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy, p)

	p, err = ParsePolicy("Caption", "url")
	require.NoError(t, err)
	assert.Equal(t, Policy{TitleArtist: FromCaption, TrackID: FromFirstURL}, p)

	_, err = ParsePolicy("filename", "")
	assert.Error(t, err)
	_, err = ParsePolicy("", "guess")
	assert.Error(t, err)
}

func TestMinimal(t *testing.T) {
	assert.Equal(t, "🎵 Song\n👤 Artist\n🆔 XYZ", Minimal("Song", "Artist", "XYZ"))
	assert.Equal(t, "🎵 Unknown Title\n👤 Unknown Artist\n🆔 N/A", Minimal("", "", ""))
}
