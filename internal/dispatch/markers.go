package dispatch

import (
	"regexp"
	"strings"

	"github.com/Vovarama1992/lead-reply-bridge/internal/ai"
)

var (
	imageMarker = regexp.MustCompile(`<image-url>(.*?)</image-url>`)
	fileMarker  = regexp.MustCompile(`<file-url>(.*?)</file-url>`)
	spaces      = regexp.MustCompile(`\s+`)
)

// ImageMarker and FileMarker wrap a media url so it survives coalescing in
// the buffer as plain text.
func ImageMarker(url string) string { return "<image-url>" + url + "</image-url>" }
func FileMarker(url string) string  { return "<file-url>" + url + "</file-url>" }

// UserTurn turns coalesced text into the user turn sent to the backend and
// the text stored in the transcript. Media markers become image or file
// parts; the stored text keeps the words plus a note about the media.
func UserTurn(text string) (ai.Turn, string) {
	images := submatches(imageMarker, text)
	files := submatches(fileMarker, text)
	if len(images) == 0 && len(files) == 0 {
		return ai.Turn{Role: ai.RoleUser, Text: text}, text
	}

	plain := imageMarker.ReplaceAllString(text, "")
	plain = fileMarker.ReplaceAllString(plain, "")
	plain = strings.TrimSpace(spaces.ReplaceAllString(plain, " "))

	parts := []ai.Part{{Type: ai.PartText, Text: plain}}
	for _, u := range images {
		parts = append(parts, ai.Part{Type: ai.PartImage, URL: u})
	}
	for _, u := range files {
		parts = append(parts, ai.Part{Type: ai.PartFile, URL: u})
	}

	var notes []string
	if len(images) > 0 {
		notes = append(notes, "an image was sent earlier")
	}
	if len(files) > 0 {
		notes = append(notes, "a file was sent earlier")
	}
	stored := strings.TrimSpace(plain + " (" + strings.Join(notes, "; ") + ")")

	return ai.Turn{Role: ai.RoleUser, Text: plain, Parts: parts}, stored
}

func submatches(re *regexp.Regexp, s string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		if u := strings.TrimSpace(m[1]); u != "" {
			out = append(out, u)
		}
	}
	return out
}
