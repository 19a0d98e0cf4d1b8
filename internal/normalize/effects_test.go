package normalize

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseEffects(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		want   []string
	}{
		{
			name:   "empty",
			markup: "",
			want:   []string{},
		},
		{
			name:   "ordinal stripped and parenthetical dropped",
			markup: `<ARTICLE title="1. 고혈압"></ARTICLE><ARTICLE title="(정보)"></ARTICLE>`,
			want:   []string{"고혈압"},
		},
		{
			name: "wrapper titles ignored",
			markup: `<DOC title="효능효과" type="EE"><SECTION title="">` +
				`<ARTICLE title="1. 위궤양"/><ARTICLE title="2. 십이지장궤양"/></SECTION></DOC>`,
			want: []string{"위궤양", "십이지장궤양"},
		},
		{
			name: "sub numbering and markers excluded",
			markup: `<ARTICLE title="1) 세부항목"/><ARTICLE title="(1) 세부"/><ARTICLE title="① 원문자"/>` +
				`<ARTICLE title="가. 하위"/><ARTICLE title="1.1 소절"/><ARTICLE title="※ 주의"/>` +
				`<ARTICLE title="* 각주"/><ARTICLE title="# 참고"/><ARTICLE title="2. 두통"/>`,
			want: []string{"두통"},
		},
		{
			name:   "duplicates removed",
			markup: `<ARTICLE title="1. 고혈압"/><ARTICLE title="2. 고혈압"/>`,
			want:   []string{"고혈압"},
		},
		{
			name:   "free text fallback",
			markup: `<PARAGRAPH>&lt;p&gt;위염&lt;/p&gt;&lt;p&gt;위궤양&lt;/p&gt;</PARAGRAPH>`,
			want:   []string{"위염", "위궤양"},
		},
		{
			name:   "cdata fallback",
			markup: `<PARAGRAPH><![CDATA[<p>감기</p><p>발열</p>]]></PARAGRAPH>`,
			want:   []string{"감기", "발열"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEffects(tt.markup)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseEffects() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseEffectsCap(t *testing.T) {
	var b strings.Builder
	for _, name := range []string{"가려움", "두드러기", "발진", "습진", "피부염", "건선", "여드름"} {
		b.WriteString(`<ARTICLE title="` + name + `"/>`)
	}
	got := ParseEffects(b.String())
	if len(got) != MaxEffects {
		t.Fatalf("len = %d, want %d", len(got), MaxEffects)
	}
	if got[0] != "가려움" || got[MaxEffects-1] != "피부염" {
		t.Errorf("unexpected order: %q", got)
	}
}

func TestParseEffectsClipsLongTitles(t *testing.T) {
	balanced := "당뇨병성 말초신경병증(통증 완화) 및 대상포진 후 신경통의 보조적 치료와 관련 증상의 개선"
	got := ParseEffects(`<ARTICLE title="` + balanced + `"/>`)
	if len(got) != 1 || got[0] != "당뇨병성 말초신경병증(통증 완화)" {
		t.Errorf("balanced clip = %q", got)
	}

	plain := strings.Repeat("가", MaxEffectRunes+10)
	got = ParseEffects(`<ARTICLE title="` + plain + `"/>`)
	if len(got) != 1 {
		t.Fatalf("got %q", got)
	}
	if n := utf8.RuneCountInString(got[0]); n != MaxEffectRunes {
		t.Errorf("rune count = %d, want %d", n, MaxEffectRunes)
	}
	if !strings.HasSuffix(got[0], "…") {
		t.Errorf("expected ellipsis, got %q", got[0])
	}
}

func TestParseEffectsCompact(t *testing.T) {
	markup := `<ARTICLE title="1. 고혈압"/><ARTICLE title="2. 본태성 고혈압"/><ARTICLE title="3. 협심증"/>`

	if got := ParseEffects(markup); len(got) != 3 {
		t.Errorf("ParseEffects() = %q, want three titles", got)
	}
	want := []string{"고혈압", "협심증"}
	if got := ParseEffectsCompact(markup); !reflect.DeepEqual(got, want) {
		t.Errorf("ParseEffectsCompact() = %q, want %q", got, want)
	}
}
