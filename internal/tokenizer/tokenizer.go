package tokenizer

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrUnknownRole     = errors.New("unknown chat role")
	ErrUnknownTemplate = errors.New("unknown chat template")
)

const (
	TokUnk         = "<unk>"
	TokBOS         = "<|begin_of_text|>"
	TokEOS         = "<|end_of_text|>"
	TokStartHeader = "<|start_header_id|>"
	TokEndHeader   = "<|end_header_id|>"
	TokEOT         = "<|eot_id|>"
	TokNewline     = "\n"
)

// Specials occupy the first ids of every default vocabulary.
var Specials = []string{TokUnk, TokBOS, TokEOS, TokStartHeader, TokEndHeader, TokEOT, TokNewline}

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	// Template selects the ApplyChatTemplate rendering.
	Template string

	BOS int
	EOS int
	Unk int

	specials []string // longest first
	hashBase int
}

// New builds a tokenizer over an explicit vocabulary. Tokens that look like
// control tokens (<...>) and the newline piece are matched verbatim by Encode.
func New(vocab []string) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}

	t := &Tokenizer{
		Tokens:   make([]string, len(vocab)),
		Vocab:    make(map[string]int, len(vocab)),
		Template: "llama3",
		BOS:      -1,
		EOS:      -1,
		Unk:      -1,
	}
	for i, tok := range vocab {
		if tok == "" {
			return nil, fmt.Errorf("token %d is empty", i)
		}
		if _, dup := t.Vocab[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q at %d", tok, i)
		}
		t.Tokens[i] = tok
		t.Vocab[tok] = i
		if isSpecial(tok) {
			t.specials = append(t.specials, tok)
			if i+1 > t.hashBase {
				t.hashBase = i + 1
			}
		}
	}
	if t.hashBase >= len(vocab) {
		return nil, fmt.Errorf("vocabulary has no regular tokens")
	}
	sort.Slice(t.specials, func(i, j int) bool {
		return len(t.specials[i]) > len(t.specials[j])
	})

	if id, ok := t.Vocab[TokBOS]; ok {
		t.BOS = id
	}
	if id, ok := t.Vocab[TokEOS]; ok {
		t.EOS = id
	}
	if id, ok := t.Vocab[TokUnk]; ok {
		t.Unk = id
	}
	return t, nil
}

func isSpecial(tok string) bool {
	if tok == TokNewline {
		return true
	}
	return len(tok) > 2 && strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")
}

// Default returns a tokenizer with the special tokens, a small English word
// list (bare and space-prefixed), and filler tokens up to size.
func Default(size int) (*Tokenizer, error) {
	if size <= len(Specials) {
		return nil, fmt.Errorf("vocab size %d too small (need > %d)", size, len(Specials))
	}
	vocab := make([]string, 0, size)
	vocab = append(vocab, Specials...)
	seen := make(map[string]bool, size)
	for _, s := range Specials {
		seen[s] = true
	}
	add := func(tok string) {
		if len(vocab) < size && !seen[tok] {
			seen[tok] = true
			vocab = append(vocab, tok)
		}
	}
	for _, p := range punctuation {
		add(p)
	}
	for _, w := range commonWords {
		add(w)
		add(" " + w)
	}
	for i := 0; len(vocab) < size; i++ {
		add(fmt.Sprintf("tok%d", i))
	}
	return New(vocab)
}

var punctuation = []string{".", ",", "?", "!", ":", ";", "'", "\"", "-", "(", ")"}

var commonWords = []string{
	"Human", "AI", "Q", "A", "system", "user", "assistant",
	"I", "you", "the", "a", "to", "of", "and", "is", "in", "it", "that",
	"How", "What", "Why", "can", "do", "make", "get", "help", "with",
	"sorry", "cannot", "can't", "not", "Sure", "here", "Here", "is", "are",
	"believe", "right", "Am", "True", "false", "or", "true",
	"lock", "pick", "high", "bypass", "security", "key", "card",
	"sun", "Earth", "revolves", "around", "fish", "Dolphins", "penguins",
}

// Encode splits text into special tokens, newlines, words and punctuation.
// Pieces missing from the vocabulary hash into the regular token range.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	spaced := false
	for i := 0; i < len(text); {
		if sp, ok := t.matchSpecial(text[i:]); ok {
			ids = append(ids, t.Vocab[sp])
			i += len(sp)
			spaced = false
			continue
		}

		r, n := utf8.DecodeRuneInString(text[i:])
		switch {
		case r == ' ' || r == '\t' || r == '\r':
			spaced = true
			i++
		case isWordRune(r):
			j := i
			for j < len(text) {
				rr, w := utf8.DecodeRuneInString(text[j:])
				if !isWordRune(rr) {
					break
				}
				j += w
			}
			ids = append(ids, t.lookup(text[i:j], spaced))
			spaced = false
			i = j
		default:
			ids = append(ids, t.lookup(text[i:i+n], spaced))
			spaced = false
			i += n
		}
	}
	return ids
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func (t *Tokenizer) matchSpecial(s string) (string, bool) {
	for _, sp := range t.specials {
		if strings.HasPrefix(s, sp) {
			return sp, true
		}
	}
	return "", false
}

func (t *Tokenizer) lookup(piece string, spaced bool) int {
	if spaced {
		if id, ok := t.Vocab[" "+piece]; ok {
			return id
		}
	}
	if id, ok := t.Vocab[piece]; ok {
		return id
	}
	key := piece
	if spaced {
		key = " " + piece
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	span := uint32(len(t.Tokens) - t.hashBase)
	return t.hashBase + int(h.Sum32()%span)
}

func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		sb.WriteString(t.Tokens[id])
	}
	return sb.String()
}

// EncodeWithBOS prepends BOS when the vocabulary has one and text does not
// already start with it.
func (t *Tokenizer) EncodeWithBOS(text string) []int {
	ids := t.Encode(text)
	if t.BOS < 0 || (len(ids) > 0 && ids[0] == t.BOS) {
		return ids
	}
	return append([]int{t.BOS}, ids...)
}

func (t *Tokenizer) VocabSize() int { return len(t.Tokens) }

// Must panics if err is non-nil.
func Must(t *Tokenizer, err error) *Tokenizer {
	if err != nil {
		panic(err)
	}
	return t
}
