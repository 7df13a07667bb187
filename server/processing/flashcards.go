package processing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/teilomillet/gollm"
)

// FSRS is the initial spaced-repetition state of a new card.
type FSRS struct {
	DueAt      int64    `json:"dueAt"`
	Stability  float64  `json:"stability"`
	Difficulty float64  `json:"difficulty"`
	Reps       int      `json:"reps"`
	Lapses     int      `json:"lapses"`
	LastRating *float64 `json:"lastRating"`
}

// NewFSRS returns the scheduling state every generated card starts with.
func NewFSRS() FSRS {
	return FSRS{Stability: 0.2, Difficulty: 0.5}
}

// Card is one flashcard.
type Card struct {
	ID     string `json:"id,omitempty"`
	Front  string `json:"front"`
	Back   string `json:"back"`
	Source string `json:"source"`
	FSRS   FSRS   `json:"fsrs"`
}

// Exercise is one practice question derived from a card.
type Exercise struct {
	Type           string   `json:"type"`
	Question       string   `json:"question"`
	Options        []string `json:"options"`
	CorrectIndices []int    `json:"correctIndices"`
	Hint           string   `json:"hint"`
	Solution       string   `json:"solution"`
	Points         int      `json:"points"`
}

// ExerciseSet is a titled list of practice questions.
type ExerciseSet struct {
	Title     string     `json:"title"`
	Questions []Exercise `json:"questions"`
}

const (
	sourceMax       = 200
	maxExercises    = 10
	hintExcerpt     = 90
	maxBullets      = 36
	maxSentences    = 24
	minBulletLen    = 20
	minSentenceLen  = 28
	defaultQuestion = "Erläutere den fachlichen Zusammenhang."
)

var distractors = []string{
	"Die Aussage gilt ohne weitere Voraussetzungen immer.",
	"Die Aussage ist nur in Ausnahmefaellen ohne Fachbezug relevant.",
	"Die Aussage beschreibt ausschliesslich einen historischen Sonderfall.",
}

// ErrNoCards is returned when a provider answer holds no usable card.
var ErrNoCards = fmt.Errorf("no valid cards generated")

// ParseCards extracts cards from a model answer. Markdown fences and text
// around the JSON object are tolerated. Cards without front or back are
// dropped; at most count cards are returned.
func ParseCards(content, source, title string, count int) ([]Card, error) {
	doc, err := decodeCards(content)
	if err != nil {
		return nil, err
	}
	fallbackSource := source
	if fallbackSource == "" {
		fallbackSource = title
	}

	cards := make([]Card, 0, len(doc.Cards))
	for _, c := range doc.Cards {
		front := firstNonEmpty(c.Front, c.Question)
		back := firstNonEmpty(c.Back, c.Answer)
		if front == "" || back == "" {
			continue
		}
		src := firstNonEmpty(c.Source, fallbackSource)
		cards = append(cards, Card{
			ID:     strings.TrimSpace(c.ID),
			Front:  front,
			Back:   back,
			Source: runePrefix(src, sourceMax),
			FSRS:   NewFSRS(),
		})
		if count > 0 && len(cards) == count {
			break
		}
	}
	if len(cards) == 0 {
		return nil, ErrNoCards
	}
	return cards, nil
}

type rawCards struct {
	Cards []struct {
		ID       string `json:"id"`
		Front    string `json:"front"`
		Back     string `json:"back"`
		Question string `json:"question"`
		Answer   string `json:"answer"`
		Source   string `json:"source"`
	} `json:"cards"`
}

func decodeCards(content string) (rawCards, error) {
	var doc rawCards
	cleaned := gollm.CleanResponse(content)
	if err := json.Unmarshal([]byte(cleaned), &doc); err == nil {
		return doc, nil
	}
	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first >= 0 && last > first {
		if err := json.Unmarshal([]byte(content[first:last+1]), &doc); err == nil {
			return doc, nil
		}
	}
	return doc, fmt.Errorf("could not parse cards JSON")
}

var (
	codeSpan     = regexp.MustCompile("`{1,3}[^`]*`{1,3}")
	markdownLink = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	sourceLine   = regexp.MustCompile(`(?i)^quellen?\s*:?`)
	bulletLine   = regexp.MustCompile(`^[-*]|^\d+\.`)
	bulletPrefix = regexp.MustCompile(`^(?:[-*]\s*|\d+\.\s*)`)
	whitespace   = regexp.MustCompile(`\s+`)
	conditional  = regexp.MustCompile(`(?i)^(Bei|Wenn|Falls|Sobald)\b`)
	definition   = regexp.MustCompile(`(?i)^(.{5,90}?)\s+(ist|sind)\s+(.{12,})$`)
	modalVerb    = regexp.MustCompile(`(?i)\b(muss|müssen|muessen|darf|dürfen|duerfen|soll|sollen|kann|können|koennen|gilt)\b`)
	trailingStop = regexp.MustCompile(`[.;]+$`)
)

// FallbackCards synthesizes up to count cards from text without a model.
// Bullet lines and sentences become seeds; each seed is turned into a
// question by a few phrasing heuristics and duplicates are skipped.
func FallbackCards(text, source string, count int) []Card {
	text = strings.ReplaceAll(text, "\r", "")
	text = codeSpan.ReplaceAllString(text, "")
	text = markdownLink.ReplaceAllString(text, "$1")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var bullets []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || sourceLine.MatchString(line) || !bulletLine.MatchString(line) {
			continue
		}
		b := strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if utf8.RuneCountInString(b) > minBulletLen {
			bullets = append(bullets, b)
		}
	}

	flat := strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	var sentences []string
	for _, s := range splitSentences(flat) {
		if utf8.RuneCountInString(s) > minSentenceLen {
			sentences = append(sentences, s)
			if len(sentences) == maxSentences {
				break
			}
		}
	}

	seeds := append(bullets, sentences...)
	if len(seeds) > maxBullets {
		seeds = seeds[:maxBullets]
	}

	cards := []Card{}
	seen := make(map[string]bool)
	for _, seed := range seeds {
		q, a := question(seed)
		if q == "" || a == "" {
			continue
		}
		key := strings.ToLower(q + "|" + a)
		if seen[key] {
			continue
		}
		seen[key] = true
		cards = append(cards, Card{Front: q, Back: a, Source: runePrefix(source, sourceMax), FSRS: NewFSRS()})
		if len(cards) >= count {
			break
		}
	}
	return cards
}

// splitSentences splits after '.', '!' or '?' followed by whitespace.
func splitSentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s)-1; i++ {
		if (s[i] == '.' || s[i] == '!' || s[i] == '?') && s[i+1] == ' ' {
			if part := strings.TrimSpace(s[start : i+1]); part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

func question(seed string) (string, string) {
	t := strings.TrimSpace(whitespace.ReplaceAllString(seed, " "))
	if t == "" {
		return "", ""
	}
	if conditional.MatchString(t) {
		return "Welche Konsequenz gilt, " + strings.ToLower(trailingStop.ReplaceAllString(t, "")) + "?", t
	}
	if m := definition.FindStringSubmatch(t); m != nil {
		subject := strings.TrimSpace(m[1])
		return "Was bedeutet " + subject + " im Kontext?", subject + " " + m[2] + " " + strings.TrimSpace(m[3])
	}
	if modalVerb.MatchString(t) {
		words := strings.Fields(t)
		if len(words) > 9 {
			words = words[:9]
		}
		return `Welche Regel beschreibt der Text fuer "` + strings.Join(words, " ") + `"?`, t
	}
	return "Welche Kernaussage laesst sich aus diesem Abschnitt ableiten?", t
}

// Exercises turns up to ten cards into practice questions. In deep_dive
// mode every third question is open-ended; all others are multiple choice
// with the card's answer as the first, correct option.
func Exercises(cards []Card, mode string) ExerciseSet {
	if mode == "" {
		mode = "multiple_choice"
	}
	set := ExerciseSet{Title: "Uebungsaufgaben (" + mode + ")", Questions: []Exercise{}}
	for i, c := range cards {
		if i == maxExercises {
			break
		}
		answer := strings.TrimSpace(c.Back)
		q := Exercise{
			Type:           "mc",
			Question:       firstNonEmpty(c.Front, defaultQuestion),
			Options:        append([]string{answer}, distractors...),
			CorrectIndices: []int{0},
			Hint:           "Achte auf die Kernformulierung in der Antwort: " + excerpt(c.Back, hintExcerpt),
			Solution:       answer,
			Points:         2,
		}
		if mode == "deep_dive" && i%3 == 2 {
			q.Type = "open"
			q.Options = []string{}
			q.CorrectIndices = []int{}
			q.Points = 3
		}
		set.Questions = append(set.Questions, q)
	}
	return set
}

func excerpt(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return runePrefix(s, max) + "..."
}

func runePrefix(s string, max int) string {
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
