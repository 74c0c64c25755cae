package segment

// Normalize applies the post-merge passes to a raw scan and returns a new
// slice; raw is not modified.
//
// Silences shorter than minSilence are folded into the preceding segment,
// then adjacent segments of the same kind are joined, so kinds strictly
// alternate in the result. An empty result becomes one Speaking segment
// spanning [0, duration) so the avatar always tries to talk.
func Normalize(raw []Segment, duration, minSilence float64) []Segment {
	folded := make([]Segment, 0, len(raw))
	carry, carrying := 0.0, false

	for _, s := range raw {
		if s.End <= s.Start {
			continue
		}
		if carrying {
			s.Start = carry
			carrying = false
		}
		if s.Kind == Silence && s.Duration() < minSilence {
			if n := len(folded); n > 0 {
				folded[n-1].End = s.End
				continue
			}
			// leading short silence has no predecessor; the next segment absorbs it
			carry, carrying = s.Start, true
			continue
		}
		folded = append(folded, s)
	}

	out := make([]Segment, 0, len(folded))
	for _, s := range folded {
		if n := len(out); n > 0 && out[n-1].Kind == s.Kind {
			out[n-1].End = s.End
			continue
		}
		out = append(out, s)
	}

	if len(out) == 0 {
		return []Segment{{Kind: Speaking, Start: 0, End: duration}}
	}
	return out
}
