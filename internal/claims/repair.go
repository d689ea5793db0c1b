package claims

import (
	"encoding/json"
	"errors"
	"strings"
)

// RepairStrategy tries to turn truncated JSON into a decodable document.
// offset is the byte offset reported by the decoder for the original error.
// Strategies are pure: they never mutate shared state and report success
// through the boolean.
type RepairStrategy func(s string, offset int64) (any, bool)

// RepairChain lists the truncation repairs in the order they are attempted.
var RepairChain = []RepairStrategy{
	RepairFixedSuffix,
	RepairCloseAtOffset,
	RepairTrimToLastEntry,
}

// ErrUnrepairable is returned when no strategy recovers the document.
var ErrUnrepairable = errors.New("JSON could not be parsed or repaired (possibly truncated)")

var fixedSuffixes = []string{`"}]}`, "\"}\n]}\n}", `"]}`, `"}`, `}]}`}

// decodeWithRepair decodes s, falling back to RepairChain on syntax errors.
func decodeWithRepair(s string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(s), &v)
	if err == nil {
		return v, nil
	}
	var syn *json.SyntaxError
	if !errors.As(err, &syn) {
		return nil, err
	}
	for _, strategy := range RepairChain {
		if repaired, ok := strategy(s, syn.Offset); ok {
			return repaired, nil
		}
	}
	return nil, ErrUnrepairable
}

func tryDecode(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// RepairFixedSuffix appends a handful of common closing sequences.
func RepairFixedSuffix(s string, _ int64) (any, bool) {
	for _, suffix := range fixedSuffixes {
		if v, ok := tryDecode(s + suffix); ok {
			return v, true
		}
	}
	return nil, false
}

// RepairCloseAtOffset cuts the input at the decoder's error offset, closes an
// open string, drops a dangling separator, and closes every open container.
func RepairCloseAtOffset(s string, offset int64) (any, bool) {
	if offset <= 0 || offset > int64(len(s)) {
		return nil, false
	}
	cut := s[:offset]
	st := scanStructure(cut)
	if st.inString {
		cut += `"`
	}
	cut = strings.TrimRight(cut, " \t\r\n")
	switch {
	case strings.HasSuffix(cut, ","):
		cut = strings.TrimSuffix(cut, ",")
	case strings.HasSuffix(cut, ":"):
		cut += "null"
	}
	return tryDecode(cut + closers(st.stack))
}

// RepairTrimToLastEntry drops everything after the last complete object in
// the outermost array that holds objects, then closes the remaining containers.
func RepairTrimToLastEntry(s string, _ int64) (any, bool) {
	st := scanStructure(s)
	end, depth := -1, 0
	for d, idx := range st.entryEnds {
		if end < 0 || d < depth {
			end, depth = idx, d
		}
	}
	if end < 0 {
		return nil, false
	}
	head := s[:end+1]
	return tryDecode(head + closers(scanStructure(head).stack))
}

type structureState struct {
	stack    []byte
	inString bool
	// entryEnds maps array depth to the offset of the last object closed in it.
	entryEnds map[int]int
}

// scanStructure walks s tracking open containers outside string literals.
func scanStructure(s string) structureState {
	st := structureState{entryEnds: map[int]int{}}
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if st.inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				st.inString = false
			}
			continue
		}
		switch ch {
		case '"':
			st.inString = true
		case '{', '[':
			st.stack = append(st.stack, ch)
		case '}', ']':
			if len(st.stack) == 0 {
				continue
			}
			st.stack = st.stack[:len(st.stack)-1]
			if ch == '}' && len(st.stack) > 0 && st.stack[len(st.stack)-1] == '[' {
				st.entryEnds[len(st.stack)] = i
			}
		}
	}
	return st
}

func closers(stack []byte) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}
