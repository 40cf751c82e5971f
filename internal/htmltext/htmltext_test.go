package htmltext

import (
	"strings"
	"testing"
)

func TestConvertStructure(t *testing.T) {
	src := `<html><head><title>Ignored</title><style>p{color:red}</style></head><body>
<h1>Spring Sale</h1>
<p>Hello friend,<br>our <b>biggest</b> sale starts today.</p>
<p>Visit <a href="https://shop.example.com/sale">the shop</a> or
<a href="https://track.example.com/c/TRACK_TOKEN_c1_1?url=x">track me</a>.</p>
<img src="logo.png" alt=" Logo ">
<script>alert(1)</script>
</body></html>`

	got := Converter{TrackingDomain: "track.example.com"}.Convert(src)

	want := "SPRING SALE\n===========\n\n" +
		"Hello friend,\nour biggest sale starts today.\n\n" +
		"Visit the shop (https://shop.example.com/sale) or track me .\n\n" +
		"[Logo]"
	if got != want {
		t.Errorf("unexpected text:\n%q\nwant\n%q", got, want)
	}
}

func TestConvertDropsHiddenContent(t *testing.T) {
	src := `<div>Visible paragraph with enough words.</div>
<div style="display: none">secret one</div>
<span class="promo sr-only">secret two</span>
<p aria-hidden="TRUE">secret three</p>
<p class="hidden">secret four</p>`

	got := Converter{}.Convert(src)
	if strings.Contains(got, "secret") {
		t.Errorf("hidden content leaked: %q", got)
	}
	if got != "Visible paragraph with enough words." {
		t.Errorf("unexpected text %q", got)
	}
}

func TestConvertLinkRules(t *testing.T) {
	src := `<p>Links: <a href="#top">top anchor</a>, <a href="/about">about page</a>,
<a href="{{ profile_url }}">profile</a>, <a href="http://plain.example.com">plain</a></p>`

	got := Converter{TrackingDomain: "t.example.com"}.Convert(src)
	want := "Links: top anchor , about page , profile , plain (http://plain.example.com)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConvertShortFallsBackToRawText(t *testing.T) {
	got := Converter{}.Convert(`<h2>Hi</h2>`)
	if got != "Hi" {
		t.Errorf("expected raw text fallback, got %q", got)
	}
}

func TestConvertAppendsUnsubscribeLine(t *testing.T) {
	src := `<p>Thanks for reading our monthly newsletter.</p><p><a href="{{unsubscribe_url}}">Unsubscribe</a></p>`
	got := Converter{}.Convert(src)
	if !strings.HasSuffix(got, "\n\nUnsubscribe: {{unsubscribe_url}}") {
		t.Errorf("expected synthesized unsubscribe line, got %q", got)
	}

	kept := Converter{}.Convert(`<p>Thanks for reading. Leave any time: {{ unsubscribe_url }}</p>`)
	if strings.Count(kept, "unsubscribe_url") != 1 {
		t.Errorf("placeholder already present must not be duplicated: %q", kept)
	}
}

func TestConvertNeverPanics(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"<",
		"<<<>>><a href=",
		"<table><tr><td>a<td>b</table></p></div>",
		"\x00\xff<p>\xfe</p>",
		strings.Repeat("<div>", 500) + "deep" + strings.Repeat("</div>", 10),
	}
	for _, in := range inputs {
		_ = Converter{}.Convert(in)
	}
	if got := (Converter{}).Convert(""); got != "" {
		t.Errorf("empty input should give empty output, got %q", got)
	}
}

func TestConvertListsAndTables(t *testing.T) {
	src := `<ul><li>First item here</li><li>Second item</li></ul><table><tr><td>Price</td><td>$10</td></tr></table>`
	got := Converter{}.Convert(src)
	want := "- First item here\n- Second item\n\nPrice $10"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStripTags(t *testing.T) {
	if got := StripTags("<p>a</p>\n\n<b>b</b>"); got != "a b" {
		t.Errorf("unexpected %q", got)
	}
}

func TestHeadingKeepsPlaceholders(t *testing.T) {
	got := Converter{}.Convert(`<h2>Hi {{ name }}, from {{identity_name}}</h2><p>Some body text for the message.</p>`)
	if !strings.HasPrefix(got, "HI {{ name }}, FROM {{identity_name}}\n") {
		t.Errorf("placeholders changed case: %q", got)
	}
}
