package command

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"fxloop/internal/fx/catalog"
)

// FramesPerSecond converts "<n>f" durations.
const FramesPerSecond = 60

// ValidationError describes one rejected parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks req against the catalog and returns a Command. On failure
// every problem found is returned joined; nothing is scheduled by the caller.
func Validate(req Request, cat *catalog.Catalog) (Command, error) {
	var errs []error
	cmd := Command{GlobalRepeats: Once}

	fx := strings.TrimSpace(req.FX)
	color := strings.TrimSpace(req.Color)
	switch {
	case fx == "":
		errs = append(errs, invalid("FX", "required"))
	case cat.IsType(fx):
		if color == "" {
			errs = append(errs, invalid("COLOR", "required for effect type %q", fx))
		} else if vs := cat.Variants(fx); len(vs) > 0 && !slices.Contains(vs, strings.ToLower(color)) {
			errs = append(errs, invalid("COLOR", "%q is not a variant of %q (want one of %s)", color, fx, strings.Join(vs, ", ")))
		}
		cmd.Effect = catalog.ID{Name: fx, Variant: color}
	default:
		cmd.Effect = catalog.ID{Name: fx}
	}
	if def, ok := cat.Lookup(cmd.Effect); ok {
		cmd.Aimed = def.Aimed
	}

	if len(req.Sources) == 0 {
		errs = append(errs, invalid("SOURCE", "at least one source required"))
	}
	for i, sr := range req.Sources {
		field := fmt.Sprintf("SOURCE[%d]", i)
		src := Source{
			Actor:    strings.TrimSpace(sr.Actor),
			Repeats:  Once,
			Interval: Interval{Auto: true},
		}
		if src.Actor == "" {
			errs = append(errs, invalid(field, "actor id required"))
		}
		if sr.Delay.String() != "" {
			d, err := ParseDuration(sr.Delay.String())
			if err != nil {
				errs = append(errs, invalid(field+".DELAY", "%v", err))
			}
			src.Delay = d
		}
		if sr.Repeats.String() != "" {
			c, err := ParseCount(sr.Repeats.String())
			if err != nil {
				errs = append(errs, invalid(field+".REPEATS", "%v", err))
			}
			src.Repeats = c
		}
		if sr.Interval.String() != "" {
			iv, err := ParseInterval(sr.Interval.String())
			if err != nil {
				errs = append(errs, invalid(field+".INTERVAL", "%v", err))
			}
			src.Interval = iv
		}
		cmd.Sources = append(cmd.Sources, src)
	}

	for i, t := range req.Targets {
		id := strings.TrimSpace(t)
		if id == "" {
			errs = append(errs, invalid(fmt.Sprintf("TARGET[%d]", i), "actor id required"))
			continue
		}
		cmd.Targets = append(cmd.Targets, Target{Actor: id})
	}
	if cmd.Aimed && len(cmd.Targets) == 0 {
		errs = append(errs, invalid("TARGET", "required for aimed effect %q", fx))
	}

	if raw := req.GlobalRepeats.String(); raw != "" {
		c, err := ParseCount(raw)
		if err != nil {
			errs = append(errs, invalid("GLOBAL_REPEATS", "%v", err))
		}
		cmd.GlobalRepeats = c
	}
	if raw := req.GlobalDelay.String(); raw != "" {
		d, err := ParseDuration(raw)
		if err != nil {
			errs = append(errs, invalid("GLOBAL_DELAY", "%v", err))
		}
		cmd.GlobalDelay = d
	}
	mode, err := ParseSyncMode(req.SyncMode)
	if err != nil {
		errs = append(errs, invalid("SYNC_MODE", "%v", err))
	}
	cmd.Mode = mode

	if len(errs) > 0 {
		return Command{}, errors.Join(errs...)
	}
	return cmd, nil
}

// Parse is ParseArgs followed by Validate.
func Parse(tokens []string, cat *catalog.Catalog) (Command, error) {
	req, err := ParseArgs(tokens)
	if err != nil {
		return Command{}, err
	}
	return Validate(req, cat)
}

// ParseDuration accepts bare seconds ("0.5"), frames ("30f") or Go durations ("500ms").
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, errors.New("duration required")
	}
	if n, ok := strings.CutSuffix(s, "f"); ok {
		frames, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("invalid frame count %q", raw)
		}
		if frames < 0 {
			return 0, errors.New("duration must be >= 0")
		}
		if int64(frames) > math.MaxInt64/int64(time.Second) {
			return 0, fmt.Errorf("frame count %q out of range", raw)
		}
		return time.Duration(frames) * time.Second / FramesPerSecond, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, errors.New("duration must be a finite value >= 0")
		}
		if secs >= float64(math.MaxInt64)/float64(time.Second) {
			return 0, fmt.Errorf("duration %q out of range", raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use seconds like 0.5, frames like 30f, or 500ms)", raw)
	}
	if d < 0 {
		return 0, errors.New("duration must be >= 0")
	}
	return d, nil
}

// ParseCount accepts a positive integer or "infinite".
func ParseCount(raw string) (Count, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "infinite", "inf", "forever":
		return Forever, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Count{}, fmt.Errorf("invalid count %q (use a positive integer or infinite)", raw)
	}
	if n < 1 {
		return Count{}, errors.New("count must be >= 1")
	}
	return Count{N: n}, nil
}

// ParseInterval accepts a duration or "auto".
func ParseInterval(raw string) (Interval, error) {
	if strings.EqualFold(strings.TrimSpace(raw), "auto") {
		return Interval{Auto: true}, nil
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return Interval{}, err
	}
	return Interval{D: d}, nil
}

func ParseSyncMode(raw string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "independent", "desync":
		return Independent, nil
	case "barrier", "sync":
		return Barrier, nil
	default:
		return Independent, fmt.Errorf("unknown mode %q (use independent or barrier)", raw)
	}
}
