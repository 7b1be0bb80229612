// Package escape provides HTML, URL and JSON escaping helpers plus
// small text utilities (Squeeze, Linkify) for rendering untrusted
// content safely.
package escape

import (
	"bytes"
	"encoding/json"
	"html"
	"net/url"
	"regexp"
	"strings"
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// HTMLEscape escapes the five HTML-special characters: & < > " '.
func HTMLEscape(s string) string {
	return htmlEscaper.Replace(s)
}

// HTMLUnescape reverses HTML entity encoding, including named and
// numeric entities. Unrecognized entities are left untouched.
func HTMLUnescape(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return html.UnescapeString(s)
}

// URLEscape percent-encodes s for use in a URL. When plus is true,
// spaces become '+' (form encoding); otherwise they become %20.
func URLEscape(s string, plus bool) string {
	e := url.QueryEscape(s)
	if !plus {
		e = strings.ReplaceAll(e, "+", "%20")
	}
	return e
}

// URLUnescape decodes a percent-encoded string. When plus is true,
// '+' decodes to a space.
func URLUnescape(s string, plus bool) (string, error) {
	if plus {
		return url.QueryUnescape(s)
	}
	return url.PathUnescape(s)
}

// JSONEncode marshals v to JSON safe for embedding inside an HTML
// <script> block: "</" is escaped so the payload cannot close the tag.
func JSONEncode(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	s := strings.TrimSuffix(buf.String(), "\n")
	return strings.ReplaceAll(s, "</", "<\\/"), nil
}

// JSONDecode unmarshals a JSON string into v.
func JSONDecode(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}

var squeezeRE = regexp.MustCompile(`\s+`)

// Squeeze collapses runs of whitespace into single spaces and trims
// the ends.
func Squeeze(s string) string {
	return strings.TrimSpace(squeezeRE.ReplaceAllString(s, " "))
}

// urlRE matches URLs in already-escaped text. Parens are handled so
// trailing punctuation stays outside the link while Wikipedia-style
// "(disambiguation)" paths stay inside.
var urlRE = regexp.MustCompile("\\b((?:([\\w-]+):(/{1,3})|www[.])(?:(?:(?:[^\\s&()]|&amp;|&quot;)*(?:[^!\"#$%&'()*+,.:;<=>?@\\[\\]^`{|}~\\s]))|(?:\\((?:[^\\s&()]|&amp;|&quot;)*\\)))+)")

const linkifyMaxLen = 30

// LinkifyOptions control Linkify behavior.
type LinkifyOptions struct {
	// Shorten trims long display text to roughly 30 characters while
	// keeping the full URL in href (with a title attribute).
	Shorten bool

	// ExtraParams is inserted verbatim into the <a> tag, e.g.
	// `rel="nofollow"`. ExtraParamsFunc, when set, is called per link
	// with the href and takes precedence.
	ExtraParams     string
	ExtraParamsFunc func(href string) string

	// RequireProtocol skips bare "www." links.
	RequireProtocol bool

	// PermittedProtocols lists allowed schemes. Defaults to http and https.
	PermittedProtocols []string
}

// Linkify HTML-escapes text and converts plain URLs into <a> links.
func Linkify(text string, opts LinkifyOptions) string {
	permitted := opts.PermittedProtocols
	if len(permitted) == 0 {
		permitted = []string{"http", "https"}
	}
	escaped := HTMLEscape(text)

	return replaceAllSubmatchFunc(urlRE, escaped, func(groups []string) string {
		whole, proto, slashes := groups[1], groups[2], groups[3]
		if opts.RequireProtocol && proto == "" {
			return whole
		}
		if proto != "" && !containsString(permitted, proto) {
			return whole
		}
		href := whole
		if proto == "" {
			href = "http://" + href
		}
		var params string
		if opts.ExtraParamsFunc != nil {
			if p := strings.TrimSpace(opts.ExtraParamsFunc(href)); p != "" {
				params = " " + p
			}
		} else if opts.ExtraParams != "" {
			params = " " + strings.TrimSpace(opts.ExtraParams)
		}

		display := whole
		if opts.Shorten && len(display) > linkifyMaxLen {
			beforeClip := display
			protoLen := 0
			if proto != "" {
				protoLen = len(proto) + 1 + len(slashes)
			}
			parts := strings.Split(display[protoLen:], "/")
			if len(parts) > 1 {
				// Grab the host plus the first 8 bytes of the path,
				// stopping at a query or file extension.
				next := parts[1]
				if len(next) > 8 {
					next = next[:8]
				}
				next = strings.SplitN(next, "?", 2)[0]
				next = strings.SplitN(next, ".", 2)[0]
				display = display[:protoLen] + parts[0] + "/" + next
			}
			if float64(len(display)) > float64(linkifyMaxLen)*1.5 {
				display = display[:linkifyMaxLen]
			}
			if display != beforeClip {
				// Don't end the visible text inside an entity.
				if amp := strings.LastIndex(display, "&"); amp > linkifyMaxLen-5 {
					display = display[:amp]
				}
				display += "..."
				if len(display) >= len(beforeClip) {
					display = beforeClip
				} else {
					params += ` title="` + href + `"`
				}
			}
		}
		return `<a href="` + href + `"` + params + `>` + display + `</a>`
	})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// replaceAllSubmatchFunc is ReplaceAllStringFunc with submatch access.
func replaceAllSubmatchFunc(re *regexp.Regexp, s string, repl func(groups []string) string) string {
	var sb strings.Builder
	last := 0
	for _, idx := range re.FindAllStringSubmatchIndex(s, -1) {
		groups := make([]string, len(idx)/2)
		for i := range groups {
			if idx[2*i] >= 0 {
				groups[i] = s[idx[2*i]:idx[2*i+1]]
			}
		}
		sb.WriteString(s[last:idx[0]])
		sb.WriteString(repl(groups))
		last = idx[1]
	}
	sb.WriteString(s[last:])
	return sb.String()
}
