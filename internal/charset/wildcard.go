package charset

import "strings"

// MatchPattern implements spec.md §4.1 match_pattern.
//
// Classic semantics: '*' matches everything from that point on and the
// rest of the pattern is ignored; '?' matches exactly one character.
// Advanced (1581) semantics: '*' is greedy but characters after it must
// still match, like a shell glob.
//
// Grounded on original_source/common/wildcard.c classic_match/advanced_match,
// operating on the name/pattern after they have both been converted to a
// common charset by the caller (src_cset/name_cset are resolved by Conv
// before matching; see MatchPatternCset below for the charset-aware form).
func MatchPattern(pattern, name string, advanced bool) bool {
	if advanced {
		return advancedMatch(name, pattern)
	}
	return classicMatch(name, pattern)
}

// MatchPatternCset converts both strings to a common charset (ASCII) using
// Conv before matching, honouring the spec's src_cset/name_cset parameters.
func MatchPatternCset(pattern string, srcCset Set, name string, nameCset Set, advanced bool) bool {
	p := ConvertString(srcCset, ASCII, pattern)
	n := ConvertString(nameCset, ASCII, name)
	return MatchPattern(p, n, advanced)
}

func classicMatch(name, pattern string) bool {
	i := 0
	for {
		var n byte
		if i < len(name) {
			n = name[i]
		}
		var p byte
		if i < len(pattern) {
			p = pattern[i]
		}
		i++
		if n == 0 && p == 0 {
			return true
		}
		if p == '*' {
			return true
		}
		if p == '?' && n != 0 {
			continue
		}
		if n != p {
			return false
		}
	}
}

// advancedMatch is a direct translation of wildcard.c's advanced_match,
// which implements classic backtracking glob matching ('*' greedy, must
// still satisfy the remainder of the pattern; '?' matches exactly one
// required character).
func advancedMatch(name, pattern string) bool {
	ni, pi := 0, 0
	var afterNameIdx, afterPatternIdx int = -1, -1

	for {
		var n, p byte
		nEnd := ni >= len(name)
		pEnd := pi >= len(pattern)
		if !nEnd {
			n = name[ni]
		}
		if !pEnd {
			p = pattern[pi]
		}

		if nEnd {
			if pEnd {
				return true
			}
			if p == '*' {
				pi++
				continue
			}
			if afterNameIdx >= 0 {
				if afterNameIdx >= len(name) {
					return false
				}
				ni = afterNameIdx
				afterNameIdx++
				pi = afterPatternIdx
				continue
			}
			return false
		}

		if n != p && p != '?' {
			if p == '*' {
				pi++
				afterPatternIdx = pi
				afterNameIdx = ni
				if pi >= len(pattern) {
					break
				}
				continue
			}
			if afterPatternIdx >= 0 {
				if afterPatternIdx != pi {
					pi = afterPatternIdx
					if pi < len(pattern) && ni < len(name) && name[ni] == pattern[pi] {
						pi++
					}
				}
				ni++
				continue
			}
			return false
		}
		ni++
		pi++
	}
	return true
}

// MatchDirPattern implements spec.md §4.1 match_dirpattern: path separator
// '/' is honoured, and the unmatched tail of the pattern (starting at the
// separator, or at end of string) is returned so a matched directory
// component can be consumed by the resolver.
//
// Grounded on original_source/common/wildcard.c classic_dirmatch.
func MatchDirPattern(name, pattern string) (bool, string) {
	ni, pi := 0, 0
	for {
		var a, b byte
		if ni < len(name) {
			a = name[ni]
		}
		if pi < len(pattern) {
			b = pattern[pi]
		}
		rest := pattern[pi:]
		if a == 0 && b == 0 {
			return true, rest
		}
		if a == '*' || b == '*' {
			// Advance rest to the next '/' (or end of pattern).
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				rest = rest[idx:]
			} else {
				rest = ""
			}
			return true, rest
		}
		if a == 0 && b == '/' {
			return true, rest
		}
		ni++
		pi++
		if a == '?' || b == '?' {
			continue
		}
		if a != b {
			return false, pattern
		}
	}
}
