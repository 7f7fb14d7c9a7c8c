package bargein

import (
	"strings"
	"unicode"
)

// PhraseSet lists the phrases of one language.
type PhraseSet struct {
	Backchannel []string `yaml:"backchannel"`
	Soft        []string `yaml:"soft"`
}

var builtinPhrases = map[string]PhraseSet{
	"en": {
		Backchannel: []string{
			"uh huh", "uhuh", "mm hmm", "mhm", "hmm", "yeah", "yep", "yup", "yes",
			"okay", "ok", "right", "i see", "got it", "sure", "alright", "all right",
			"oh", "oh okay", "ah", "cool", "nice", "exactly", "totally", "go on",
		},
		Soft: []string{
			"wait", "hold on", "hang on", "one sec", "one second", "just a sec",
			"just a moment", "pause", "wait a sec", "hold up",
		},
	},
	"es": {
		Backchannel: []string{"aja", "ajá", "sí", "si", "claro", "vale", "ya", "bueno", "entiendo", "mhm", "ok", "exacto"},
		Soft:        []string{"espera", "espere", "un momento", "un segundo", "para"},
	},
	"fr": {
		Backchannel: []string{"oui", "ouais", "d'accord", "ok", "hmm", "mhm", "je vois", "exactement", "bien sûr", "ah bon"},
		Soft:        []string{"attends", "attendez", "une seconde", "un instant", "un moment"},
	},
	"de": {
		Backchannel: []string{"ja", "genau", "okay", "ok", "mhm", "aha", "stimmt", "klar", "ach so", "verstehe"},
		Soft:        []string{"warte", "warten sie", "moment", "einen moment", "halt", "sekunde"},
	},
	"pt": {
		Backchannel: []string{"sim", "uhum", "aham", "tá", "ta", "certo", "claro", "entendi", "ok", "exato"},
		Soft:        []string{"espera", "espere", "um momento", "um segundo", "calma"},
	},
	"it": {
		Backchannel: []string{"sì", "si", "certo", "ok", "va bene", "capito", "esatto", "mhm", "giusto", "ah"},
		Soft:        []string{"aspetta", "aspetti", "un momento", "un attimo", "un secondo"},
	},
	"ar": {
		Backchannel: []string{"نعم", "اه", "أيوه", "ايوه", "تمام", "طيب", "صح", "فاهم", "مم"},
		Soft:        []string{"انتظر", "لحظة", "ثانية", "استنى", "لحظة من فضلك"},
	},
	"zh": {
		Backchannel: []string{"嗯", "嗯嗯", "对", "对对", "是的", "好", "好的", "明白", "哦", "啊"},
		Soft:        []string{"等一下", "等等", "稍等", "等一等", "慢着"},
	},
	"ja": {
		Backchannel: []string{"うん", "はい", "ええ", "そうですね", "なるほど", "そう", "へえ", "ふーん", "確かに"},
		Soft:        []string{"待って", "ちょっと待って", "ちょっと", "少々お待ちください", "待ってください"},
	},
}

const defaultLanguage = "en"

// Languages returns the languages with built-in phrase sets.
func Languages() []string {
	out := make([]string, 0, len(builtinPhrases))
	for lang := range builtinPhrases {
		out = append(out, lang)
	}
	return out
}

// baseLanguage maps a hint such as "en-US" or "pt_BR" to its primary subtag.
func baseLanguage(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexAny(hint, "-_"); i > 0 {
		hint = hint[:i]
	}
	return hint
}

// normalize lowercases, treats hyphens as spaces, strips punctuation except
// apostrophes and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '-' || unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case r == '\'' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r):
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

type compiledSet struct {
	backchannel []string
	soft        []string
}

func compile(sets ...PhraseSet) compiledSet {
	var c compiledSet
	seen := map[string]bool{}
	add := func(dst *[]string, kind string, phrases []string) {
		for _, p := range phrases {
			n := normalize(p)
			if n == "" || seen[kind+n] {
				continue
			}
			seen[kind+n] = true
			*dst = append(*dst, n)
		}
	}
	for _, s := range sets {
		add(&c.backchannel, "b:", s.Backchannel)
		add(&c.soft, "s:", s.Soft)
	}
	return c
}
