package escape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLEscape(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;&amp;&quot;x&#39;&quot;&lt;/b&gt;", HTMLEscape(`<b>&"x'"</b>`))
	assert.Equal(t, "plain", HTMLEscape("plain"))
}

func TestHTMLUnescape(t *testing.T) {
	assert.Equal(t, `<b>&"x'"</b>`, HTMLUnescape("&lt;b&gt;&amp;&quot;x&#39;&quot;&lt;/b&gt;"))
	assert.Equal(t, "café", HTMLUnescape("caf&#233;"))
	assert.Equal(t, "A", HTMLUnescape("&#x41;"))
	// Unknown entities survive.
	assert.Equal(t, "&bogus123xyz;", HTMLUnescape("&bogus123xyz;"))
}

func TestURLEscape(t *testing.T) {
	assert.Equal(t, "a+b%2Fc", URLEscape("a b/c", true))
	assert.Equal(t, "a%20b%2Fc", URLEscape("a b/c", false))
}

func TestURLUnescape(t *testing.T) {
	got, err := URLUnescape("a+b%2Fc", true)
	require.NoError(t, err)
	assert.Equal(t, "a b/c", got)

	got, err = URLUnescape("a+b%2Fc", false)
	require.NoError(t, err)
	assert.Equal(t, "a+b/c", got)
}

func TestJSONEncode_ScriptSafe(t *testing.T) {
	got, err := JSONEncode(map[string]string{"html": "</script>"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<\/script>"}`, got)
	assert.NotContains(t, got, "</")
}

func TestJSONDecode(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	require.NoError(t, JSONDecode(`{"name":"ada"}`, &v))
	assert.Equal(t, "ada", v.Name)
}

func TestSqueeze(t *testing.T) {
	assert.Equal(t, "a b c", Squeeze("  a \t b\n\n  c  "))
	assert.Equal(t, "", Squeeze("   \n\t "))
}

func TestLinkify_Basic(t *testing.T) {
	got := Linkify("see http://example.com/page now", LinkifyOptions{})
	assert.Equal(t, `see <a href="http://example.com/page">http://example.com/page</a> now`, got)
}

func TestLinkify_WWWGetsScheme(t *testing.T) {
	got := Linkify("visit www.example.com today", LinkifyOptions{})
	assert.Contains(t, got, `href="http://www.example.com"`)
	assert.Contains(t, got, `>www.example.com</a>`)
}

func TestLinkify_RequireProtocol(t *testing.T) {
	got := Linkify("visit www.example.com today", LinkifyOptions{RequireProtocol: true})
	assert.NotContains(t, got, "<a ")
}

func TestLinkify_DisallowedProtocol(t *testing.T) {
	got := Linkify("run ftp://example.com/file", LinkifyOptions{})
	assert.NotContains(t, got, "<a ")
}

func TestLinkify_EscapesSurroundingText(t *testing.T) {
	got := Linkify(`<script> & http://example.com`, LinkifyOptions{})
	assert.Contains(t, got, "&lt;script&gt; &amp; ")
	assert.Contains(t, got, `<a href="http://example.com"`)
}

func TestLinkify_Shorten(t *testing.T) {
	long := "http://example.com/a/very/long/path/that/keeps/going?with=query"
	got := Linkify("go "+long, LinkifyOptions{Shorten: true})
	assert.Contains(t, got, `href="`+long+`"`)
	assert.Contains(t, got, "...")
	assert.Contains(t, got, `title="`+long+`"`)
}

func TestLinkify_ExtraParams(t *testing.T) {
	got := Linkify("x http://example.com", LinkifyOptions{ExtraParams: `rel="nofollow"`})
	assert.Contains(t, got, `<a href="http://example.com" rel="nofollow">`)

	got = Linkify("x http://example.com", LinkifyOptions{
		ExtraParamsFunc: func(href string) string { return `class="ext"` },
	})
	assert.Contains(t, got, `class="ext"`)
}

func TestLinkify_TrailingPunctuationStaysOut(t *testing.T) {
	got := Linkify("read http://example.com/doc.", LinkifyOptions{})
	assert.Contains(t, got, `>http://example.com/doc</a>.`)
}
