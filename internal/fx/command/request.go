package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Value is a raw parameter value. In JSON it accepts either a string or a bare
// number, so {"repeats": 3} and {"repeats": "infinite"} both decode.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*v = Value(n.String())
	return nil
}

func (v Value) String() string { return strings.TrimSpace(string(v)) }

type SourceRequest struct {
	Actor    string `json:"actor"`
	Delay    Value  `json:"delay,omitempty"`
	Repeats  Value  `json:"repeats,omitempty"`
	Interval Value  `json:"interval,omitempty"`
}

// Request is the unvalidated structured invocation.
type Request struct {
	FX            string          `json:"fx"`
	Color         string          `json:"color,omitempty"`
	Sources       []SourceRequest `json:"sources"`
	Targets       []string        `json:"targets,omitempty"`
	GlobalRepeats Value           `json:"global_repeats,omitempty"`
	GlobalDelay   Value           `json:"global_delay,omitempty"`
	SyncMode      string          `json:"sync_mode,omitempty"`
}

// SplitArgs splits command text into KEY=VALUE tokens. Double quotes group
// a value containing spaces.
func SplitArgs(text string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote bool
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r == '"':
			quote = !quote
		case !quote && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// ParseArgs converts KEY=VALUE tokens into a Request.
//
// DELAY, REPEATS and INTERVAL bind to the most recent SOURCE. Keys are case
// insensitive; SYNC is accepted as an alias of SYNC_MODE.
func ParseArgs(tokens []string) (Request, error) {
	var req Request
	cur := -1
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return Request{}, &ValidationError{Field: tok, Reason: "expected KEY=VALUE"}
		}
		key := strings.ToUpper(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		switch key {
		case "FX":
			req.FX = v
		case "COLOR":
			req.Color = v
		case "SOURCE":
			req.Sources = append(req.Sources, SourceRequest{Actor: v})
			cur = len(req.Sources) - 1
		case "DELAY", "REPEATS", "INTERVAL":
			if cur < 0 {
				return Request{}, &ValidationError{Field: key, Reason: "must follow a SOURCE"}
			}
			src := &req.Sources[cur]
			switch key {
			case "DELAY":
				src.Delay = Value(v)
			case "REPEATS":
				src.Repeats = Value(v)
			default:
				src.Interval = Value(v)
			}
		case "TARGET":
			req.Targets = append(req.Targets, v)
		case "GLOBAL_REPEATS":
			req.GlobalRepeats = Value(v)
		case "GLOBAL_DELAY":
			req.GlobalDelay = Value(v)
		case "SYNC_MODE", "SYNC":
			req.SyncMode = v
		default:
			return Request{}, &ValidationError{Field: key, Reason: "unknown parameter"}
		}
	}
	return req, nil
}
