package affect

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Kind classifies a [Signal].
type Kind string

// Cue families recognised by the [Extractor].
const (
	KindPraise     Kind = "praise"
	KindGratitude  Kind = "gratitude"
	KindApology    Kind = "apology"
	KindInsult     Kind = "insult"
	KindThreat     Kind = "threat"
	KindSadness    Kind = "sadness"
	KindExcitement Kind = "excitement"
	KindCalm       Kind = "calm"
	KindFear       Kind = "fear"

	// KindEmphasis is emitted for exclamation marks; it only raises arousal.
	KindEmphasis Kind = "emphasis"
)

// Signal sources.
const (
	SourceText  = "text"
	SourceEvent = "event"
)

// Signal is one affective stimulus: a unit direction in VAD space and a
// magnitude.
type Signal struct {
	Kind      Kind    `json:"kind"`
	Direction VAD     `json:"direction"`
	Magnitude float64 `json:"magnitude"`

	// Source is [SourceText] or [SourceEvent].
	Source string `json:"source"`

	// Cue is the token that triggered the signal.
	Cue string `json:"cue,omitempty"`
}

// Input is the content analysed for one turn.
type Input struct {
	// Text is the utterance itself.
	Text string

	// Events are descriptions of side-context events that happened during the
	// turn. Their cues count at half the magnitude of cues in Text.
	Events []string
}

type cueFamily struct {
	kind      Kind
	direction VAD
	words     []string
}

// lexicon is evaluated in order; the first family with the best score wins.
var lexicon = []cueFamily{
	{KindPraise, VAD{0.6, 0.2, 0.1}, []string{"great", "wonderful", "brilliant", "amazing", "love", "clever", "kind", "beautiful", "excellent", "proud", "impressive"}},
	{KindGratitude, VAD{0.5, -0.1, 0.1}, []string{"thank", "thanks", "grateful", "appreciate", "thankful"}},
	{KindApology, VAD{0.3, -0.2, 0.2}, []string{"sorry", "apologize", "apologise", "forgive", "regret"}},
	{KindInsult, VAD{-0.7, 0.4, -0.2}, []string{"stupid", "idiot", "useless", "pathetic", "fool", "hate", "worthless", "liar", "coward"}},
	{KindThreat, VAD{-0.6, 0.7, -0.5}, []string{"kill", "destroy", "threaten", "hurt", "attack", "punish", "burn"}},
	{KindSadness, VAD{-0.5, -0.4, -0.3}, []string{"sad", "lonely", "grief", "cry", "mourn", "died", "miss", "heartbroken"}},
	{KindExcitement, VAD{0.4, 0.7, 0.2}, []string{"excited", "thrilled", "awesome", "wow", "celebrate", "hooray", "incredible"}},
	{KindCalm, VAD{0.2, -0.5, 0.1}, []string{"calm", "relax", "peace", "gentle", "rest", "quiet"}},
	{KindFear, VAD{-0.5, 0.6, -0.6}, []string{"afraid", "scared", "terrified", "fear", "danger", "monster", "panic"}},
}

var intensifiers = map[string]float64{
	"very":         1.5,
	"really":       1.4,
	"so":           1.3,
	"extremely":    1.8,
	"incredibly":   1.7,
	"truly":        1.4,
	"totally":      1.5,
	"absolutely":   1.6,
	"deeply":       1.5,
	"a-little":     0.6,
	"slightly":     0.6,
	"somewhat":     0.7,
	"barely":       0.5,
	"kinda":        0.7,
	"sort-of":      0.7,
	"kind-of":      0.7,
	"mildly":       0.6,
	"particularly": 1.3,
}

var negations = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "don't": {}, "dont": {}, "isn't": {}, "isnt": {},
	"can't": {}, "cant": {}, "won't": {}, "wont": {}, "without": {}, "nothing": {},
	"aren't": {}, "wasn't": {}, "didn't": {}, "didnt": {}, "hardly": {},
}

const (
	baseMagnitude   = 0.5
	eventWeight     = 0.5
	emphasisPerMark = 0.1
	maxEmphasis     = 3

	// modifierReach is how many tokens an intensifier or negation reaches
	// forward to the cue it modifies.
	modifierReach = 3

	// minFuzzyRunes is the shortest token eligible for approximate matching.
	minFuzzyRunes = 4
)

// Extractor detects affective cues in turn text. It holds no mutable state
// and is safe for concurrent use.
type Extractor struct {
	threshold float64
	exact     map[string]int
}

// NewExtractor returns an Extractor whose approximate matching accepts tokens
// with a Jaro-Winkler similarity of at least fuzzyThreshold to a cue word.
// A threshold of 0 or less disables approximate matching.
func NewExtractor(fuzzyThreshold float64) *Extractor {
	exact := make(map[string]int)
	for i, fam := range lexicon {
		for _, w := range fam.words {
			if _, dup := exact[w]; !dup {
				exact[w] = i
			}
		}
	}
	return &Extractor{threshold: fuzzyThreshold, exact: exact}
}

// Extract returns the signals found in in. The result is freshly allocated on
// every call and depends on nothing but in.
func (x *Extractor) Extract(in Input) []Signal {
	signals := x.scan(in.Text, SourceText, 1)
	if n := min(strings.Count(in.Text, "!"), maxEmphasis); n > 0 {
		signals = append(signals, Signal{
			Kind:      KindEmphasis,
			Direction: VAD{Arousal: 1},
			Magnitude: emphasisPerMark * float64(n),
			Source:    SourceText,
			Cue:       strings.Repeat("!", n),
		})
	}
	for _, ev := range in.Events {
		signals = append(signals, x.scan(ev, SourceEvent, eventWeight)...)
	}
	if signals == nil {
		signals = []Signal{}
	}
	return signals
}

func (x *Extractor) scan(text, source string, weight float64) []Signal {
	var out []Signal
	tokens := tokenize(text)

	intensity, intensityTTL := 1.0, 0
	negated, negationTTL := false, 0

	for _, tok := range tokens {
		if f, ok := intensifiers[tok]; ok {
			intensity, intensityTTL = f, modifierReach
			continue
		}
		if _, ok := negations[tok]; ok {
			negated, negationTTL = true, modifierReach
			continue
		}

		if fam, ok := x.match(tok); ok {
			dir := lexicon[fam].direction
			mag := baseMagnitude * weight * intensity
			if negated {
				dir.Valence = -dir.Valence
				mag /= 2
			}
			out = append(out, Signal{
				Kind:      lexicon[fam].kind,
				Direction: dir,
				Magnitude: mag,
				Source:    source,
				Cue:       tok,
			})
			intensityTTL, negationTTL = 0, 0
		}

		if intensityTTL--; intensityTTL <= 0 {
			intensity = 1
		}
		if negationTTL--; negationTTL <= 0 {
			negated = false
		}
	}
	return out
}

// match returns the lexicon family index for tok. Exact matches win; tokens of
// at least minFuzzyRunes runes fall back to the best Jaro-Winkler match above
// the threshold.
func (x *Extractor) match(tok string) (int, bool) {
	if i, ok := x.exact[tok]; ok {
		return i, true
	}
	if x.threshold <= 0 || utf8.RuneCountInString(tok) < minFuzzyRunes {
		return 0, false
	}
	best, bestScore := -1, x.threshold
	for i, fam := range lexicon {
		for _, w := range fam.words {
			if utf8.RuneCountInString(w) < minFuzzyRunes {
				continue
			}
			if s := matchr.JaroWinkler(tok, w, false); s >= bestScore && (best < 0 || s > bestScore) {
				best, bestScore = i, s
			}
		}
	}
	return best, best >= 0
}

// tokenize lowercases text and splits it into words. Apostrophes are kept so
// contractions like "don't" survive; two-word modifiers are joined with a
// hyphen.
func tokenize(text string) []string {
	raw := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	out := make([]string, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if i+1 < len(raw) {
			if joined := raw[i] + "-" + raw[i+1]; isModifier(joined) {
				out = append(out, joined)
				i++
				continue
			}
		}
		out = append(out, strings.Trim(raw[i], "'"))
	}
	return out
}

func isModifier(tok string) bool {
	_, ok := intensifiers[tok]
	return ok
}
