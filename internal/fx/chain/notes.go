package chain

import (
	"regexp"
	"strconv"
	"strings"
)

// Directive is what an actor's notes declare for one tag.
//
//	<fire>                                 reacts to "fire"
//	{fire}                                 same, brace form
//	<fire action: FX=spark SOURCE=$actor>  per-actor action override
//	<fire propagate: ice budget 2 radius 3> continuation
type Directive struct {
	Tag       string
	Action    string
	Propagate *Continuation
}

// Continuation re-triggers a chain centred on the reacting actor.
type Continuation struct {
	Tag    string
	Budget int
	// Radius is in grid cells; zero means "same as the triggering radius".
	Radius float64
}

var (
	// Control codes like \C[4], \I[12] or \{ used for rich text in notes.
	markupRe    = regexp.MustCompile(`\\[A-Za-z]+\[[^\]]*\]|\\[{}!.|^<>$]`)
	directiveRe = regexp.MustCompile(`(?i)<\s*([\w-]+)(?:\s+(action|propagate)\s*:\s*([^>]*?))?\s*>|\{\s*([\w-]+)(?:\s+(action|propagate)\s*:\s*([^}]*?))?\s*\}`)
)

// StripMarkup removes rich text control codes.
func StripMarkup(s string) string { return markupRe.ReplaceAllString(s, "") }

// ParseNotes extracts every directive in notes, keyed by lowercased tag.
// Several directives for the same tag merge; the last action wins.
func ParseNotes(notes string) map[string]Directive {
	notes = StripMarkup(notes)
	out := map[string]Directive{}
	for _, m := range directiveRe.FindAllStringSubmatch(notes, -1) {
		tag, kind, arg := m[1], m[2], m[3]
		if tag == "" {
			tag, kind, arg = m[4], m[5], m[6]
		}
		tag = normTag(tag)
		if tag == "" {
			continue
		}
		d := out[tag]
		d.Tag = tag
		switch strings.ToLower(kind) {
		case "action":
			if a := strings.TrimSpace(arg); a != "" {
				d.Action = a
			}
		case "propagate":
			if c, ok := parseContinuation(arg); ok {
				d.Propagate = &c
			}
		}
		out[tag] = d
	}
	return out
}

// parseContinuation reads "NEWTAG [budget N] [radius R]". "budget=N" is
// accepted too.
func parseContinuation(arg string) (Continuation, bool) {
	fields := strings.Fields(strings.ReplaceAll(arg, "=", " "))
	if len(fields) == 0 {
		return Continuation{}, false
	}
	c := Continuation{Tag: normTag(fields[0]), Budget: 1}
	if c.Tag == "" {
		return Continuation{}, false
	}
	for i := 1; i+1 < len(fields); i += 2 {
		v := fields[i+1]
		switch strings.ToLower(fields[i]) {
		case "budget":
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.Budget = n
			}
		case "radius":
			if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 {
				c.Radius = r
			}
		}
	}
	return c, true
}

func normTag(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), "<>{}"))
}
