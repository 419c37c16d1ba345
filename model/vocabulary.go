package model

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode"
)

// Unknown is the token out-of-vocabulary words encode to.
const Unknown = "<unk>"

// Vocabulary maps report words to ids. Id 0 is reserved: it starts every
// sequence, ends it and pads it. Words take ids 1..Size().
type Vocabulary struct {
	Values []string

	valuesOnce sync.Once
	values     map[string]int32
}

// NewVocabulary builds a vocabulary from words in id order. Unknown is
// appended when missing. Duplicates keep their first id.
func NewVocabulary(words []string) *Vocabulary {
	values := make([]string, 0, len(words)+1)
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if w == "" || seen[w] {
			continue
		}

		seen[w] = true
		values = append(values, w)
	}

	if !seen[Unknown] {
		values = append(values, Unknown)
	}

	return &Vocabulary{Values: values}
}

// LoadVocabulary reads one word per line from path. An empty path returns
// the built-in vocabulary.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if path == "" {
		return NewVocabulary(defaultWords), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if w := strings.TrimSpace(scanner.Text()); w != "" {
			words = append(words, w)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}

	if len(words) == 0 {
		return nil, fmt.Errorf("vocabulary %s is empty", path)
	}

	v := NewVocabulary(words)
	slog.Debug("loaded vocabulary", "path", path, "size", v.Size())
	return v, nil
}

// Size is the number of words, excluding the reserved id 0.
func (v *Vocabulary) Size() int {
	return len(v.Values)
}

// ID returns the id of word, or the id of Unknown.
func (v *Vocabulary) ID(word string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.values[value] = int32(i + 1)
		}
	})

	if id, ok := v.values[word]; ok {
		return id
	}

	return v.values[Unknown]
}

// Word returns the word for id, or "" for 0 and out of range ids.
func (v *Vocabulary) Word(id int32) string {
	if id <= 0 || int(id) > len(v.Values) {
		return ""
	}

	return v.Values[id-1]
}

// Encode cleans a report and returns its ids surrounded by 0.
func (v *Vocabulary) Encode(report string) []int32 {
	words := Clean(report)
	ids := make([]int32, 0, len(words)+2)
	ids = append(ids, 0)
	for _, w := range words {
		ids = append(ids, v.ID(w))
	}

	return append(ids, 0)
}

// Decode joins words until the first 0 after the start.
func (v *Vocabulary) Decode(ids []int32) string {
	var sb strings.Builder
	for i, id := range ids {
		if id <= 0 {
			if i == 0 {
				continue
			}
			break
		}

		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(v.Word(id))
	}

	return sb.String()
}

// Clean lowercases a report, keeps sentence periods as separate words and
// drops other punctuation.
func Clean(report string) []string {
	var sb strings.Builder
	for _, r := range strings.ToLower(report) {
		switch {
		case r == '.':
			sb.WriteString(" . ")
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			sb.WriteByte(' ')
		}
	}

	words := strings.Fields(sb.String())

	// collapse repeated periods left by abbreviations and empty sentences
	out := words[:0]
	for _, w := range words {
		if w == "." && (len(out) == 0 || out[len(out)-1] == ".") {
			continue
		}
		out = append(out, w)
	}

	return out
}

var defaultWords = []string{
	".", "the", "is", "are", "no", "of", "and", "normal", "within", "limits",
	"lungs", "lung", "clear", "heart", "size", "cardiac", "silhouette",
	"mediastinum", "mediastinal", "contour", "contours", "pulmonary",
	"vascularity", "pleural", "effusion", "effusions", "pneumothorax",
	"focal", "consolidation", "airspace", "disease", "opacity", "opacities",
	"acute", "cardiopulmonary", "abnormality", "process", "osseous",
	"structures", "intact", "bony", "degenerative", "changes", "spine",
	"thoracic", "mild", "stable", "unchanged", "there", "without",
	"evidence", "seen", "identified", "atelectasis", "left", "right",
	"lower", "upper", "lobe", "base", "bases", "cardiomegaly", "granuloma",
	"calcified", "edema", "enlarged", "visualized", "prior", "exam",
	"compared", "in", "with", "to", "or", "a", "at", "on", "x", "xxxx",
}
