// Package textnorm prepares tts input text: punctuation canonicalization and
// numeral expansion for the target locale.
package textnorm

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Supported locales.
const (
	LocaleEN = "en"
	LocaleZH = "zh"
)

var (
	numberPattern     = regexp.MustCompile(`\d+`)
	whitespacePattern = regexp.MustCompile(`\s+`)

	punctuation = strings.NewReplacer(
		"，", ",", "。", ".", "！", "!", "？", "?", "；", ";", "：", ":",
		"（", "(", "）", ")", "【", "[", "】", "]", "、", ",",
		"“", `"`, "”", `"`, "‘", "'", "’", "'",
		"—", "-", "–", "-", "‒", "-",
		"…", "...",
	)
)

// Normalizer rewrites text for one locale.
type Normalizer struct {
	locale string
}

// New returns a normalizer; unknown locales fall back to English.
func New(locale string) *Normalizer {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if strings.HasPrefix(locale, LocaleZH) {
		return &Normalizer{locale: LocaleZH}
	}
	return &Normalizer{locale: LocaleEN}
}

// Locale reports the effective locale.
func (n *Normalizer) Locale() string { return n.locale }

// Normalize canonicalizes punctuation and whitespace and spells out integers.
func (n *Normalizer) Normalize(text string) string {
	text = punctuation.Replace(strings.TrimSpace(text))
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = numberPattern.ReplaceAllStringFunc(text, n.spell)
	return collapsePunctuation(strings.TrimSpace(text))
}

func (n *Normalizer) spell(digits string) string {
	num, err := strconv.Atoi(digits)
	if err != nil {
		// overflows int; read past the word range anyway
		num = math.MaxInt
	}
	if n.locale == LocaleZH {
		return zhNumber(num, digits)
	}
	return enNumber(num, digits)
}

// collapsePunctuation keeps the first of any run of identical punctuation marks, preserving "...".
func collapsePunctuation(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	var prev rune
	run := 0
	for _, r := range text {
		if unicode.IsPunct(r) && r == prev {
			run++
			if r == '.' && run < 3 {
				b.WriteRune(r)
			}
			continue
		}
		run = 0
		prev = r
		b.WriteRune(r)
	}
	return b.String()
}

var (
	enOnes  = []string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}
	enTeens = []string{"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen"}
	enTens  = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

const enMax = 999999

func enNumber(num int, digits string) string {
	if num > enMax {
		return spellDigits(digits, enOnes)
	}
	if num == 0 {
		return "zero"
	}
	var parts []string
	if th := num / 1000; th > 0 {
		parts = append(parts, enUnderThousand(th)+" thousand")
	}
	if rest := num % 1000; rest > 0 {
		parts = append(parts, enUnderThousand(rest))
	}
	return strings.Join(parts, " ")
}

func enUnderThousand(num int) string {
	var parts []string
	if h := num / 100; h > 0 {
		parts = append(parts, enOnes[h]+" hundred")
	}
	rest := num % 100
	switch {
	case rest == 0:
	case rest < 10:
		parts = append(parts, enOnes[rest])
	case rest < 20:
		parts = append(parts, enTeens[rest-10])
	default:
		word := enTens[rest/10]
		if rest%10 > 0 {
			word += "-" + enOnes[rest%10]
		}
		parts = append(parts, word)
	}
	return strings.Join(parts, " ")
}

var (
	zhDigits = []string{"零", "一", "二", "三", "四", "五", "六", "七", "八", "九"}
	zhUnits  = []string{"千", "百", "十", ""}
)

const zhMax = 99999999

func zhNumber(num int, digits string) string {
	if num > zhMax {
		return strings.Join(strings.Split(spellDigits(digits, zhDigits), " "), "")
	}
	if num == 0 {
		return zhDigits[0]
	}
	var out string
	high, low := num/10000, num%10000
	if high > 0 {
		out = zhSection(high) + "万"
		if low > 0 && low < 1000 {
			out += zhDigits[0]
		}
	}
	if low > 0 {
		out += zhSection(low)
	}
	// 10..19 read as 十, 十一 ... rather than 一十
	if num >= 10 && num < 20 {
		out = strings.TrimPrefix(out, zhDigits[1])
	}
	return out
}

func zhSection(num int) string {
	digits := []int{num / 1000 % 10, num / 100 % 10, num / 10 % 10, num % 10}
	var b strings.Builder
	started, pendingZero := false, false
	for i, d := range digits {
		if d == 0 {
			if started {
				pendingZero = true
			}
			continue
		}
		if pendingZero {
			b.WriteString(zhDigits[0])
			pendingZero = false
		}
		b.WriteString(zhDigits[d])
		b.WriteString(zhUnits[i])
		started = true
	}
	return b.String()
}

func spellDigits(digits string, names []string) string {
	words := make([]string, 0, len(digits))
	for _, r := range digits {
		if r >= '0' && r <= '9' {
			words = append(words, names[r-'0'])
		}
	}
	return strings.Join(words, " ")
}
