// Package mailtext turns raw mail fragments into plain text shared by all
// provider adapters.
package mailtext

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

var (
	wordDecoder = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}

	// "Name <addr>" or bare "Name" when net/mail rejects the header
	fromFallback = regexp.MustCompile(`^(.*?)(?:\s*<([^>]+)>)?$`)

	blankLines = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t\f\r\v\x{00a0}]+`)
)

// DecodeHeader decodes RFC 2047 encoded-words, returning the input on failure
func DecodeHeader(header string) string {
	decoded, err := wordDecoder.DecodeHeader(header)
	if err != nil {
		return strings.TrimSpace(header)
	}
	return strings.TrimSpace(decoded)
}

// ParseFrom decodes a From header into display name and address.
// The address is nil when the header carries none.
func ParseFrom(header string) (name string, address *string) {
	decoded := DecodeHeader(header)
	if decoded == "" {
		return "", nil
	}

	if addr, err := mail.ParseAddress(decoded); err == nil {
		a := addr.Address
		n := addr.Name
		if n == "" {
			n = a
		}
		return n, &a
	}

	m := fromFallback.FindStringSubmatch(decoded)
	if m == nil {
		return decoded, nil
	}
	name = strings.Trim(strings.TrimSpace(m[1]), `"`)
	if a := strings.TrimSpace(m[2]); strings.Contains(a, "@") {
		return name, &a
	}
	if strings.Contains(name, "@") && !strings.ContainsAny(name, " \t") {
		a := name
		return name, &a
	}
	return name, nil
}

// DecodeBase64URL decodes provider body data, padded or not
func DecodeBase64URL(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	if out, err := base64.URLEncoding.DecodeString(data); err == nil {
		return out, nil
	}
	out, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return out, nil
}

// ToUTF8 converts body bytes in the charset named by a Content-Type value
func ToUTF8(body []byte, contentType string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := strings.ToLower(params["charset"]); cs != "" && cs != "utf-8" && cs != "us-ascii" {
			if r, err := charset.NewReaderLabel(cs, bytes.NewReader(body)); err == nil {
				if out, err := io.ReadAll(r); err == nil {
					body = out
				}
			}
		}
	}
	if !utf8.Valid(body) {
		return strings.ToValidUTF8(string(body), "")
	}
	return string(body)
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "li": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "section": true, "article": true, "header": true,
	"footer": true, "blockquote": true, "hr": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "head": true, "noscript": true, "template": true,
}

// HTMLToText strips markup, scripts and styles, keeping block boundaries as newlines
func HTMLToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return Normalize(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] && tt == html.StartTagToken {
				skip++
				continue
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			} else if tag == "td" || tag == "th" {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			b.Write(z.Text())
		}
	}
}

// Normalize collapses horizontal whitespace and runs of blank lines
func Normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(l, " "))
	}
	out := strings.Join(lines, "\n")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// Truncate cuts s to at most n runes; n <= 0 means no limit
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
