package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Filter string

const (
	FilterBlur          Filter = "blur"
	FilterContour       Filter = "contour"
	FilterRotate        Filter = "rotate"
	FilterSegment       Filter = "segment"
	FilterSaltAndPepper Filter = "salt and pepper"
	FilterConcat        Filter = "concat"
	FilterPredict       Filter = "predict"
)

// Filters lists the caption keywords in matching order.
var Filters = []Filter{
	FilterBlur,
	FilterContour,
	FilterRotate,
	FilterSegment,
	FilterSaltAndPepper,
	FilterConcat,
	FilterPredict,
}

var filtersByName = func() map[string]Filter {
	m := make(map[string]Filter, len(Filters))
	for _, f := range Filters {
		m[string(f)] = f
	}
	return m
}()

var (
	ErrMissingCaption = errors.New("missing caption")
	ErrInvalidCaption = errors.New("invalid filter")
)

// Title is the display form used in chat replies, e.g. "Salt And Pepper".
func (f Filter) Title() string {
	words := strings.Fields(string(f))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Engine reports whether the filter runs on the grid engine rather than a remote service.
func (f Filter) Engine() bool {
	return f != FilterPredict && f != ""
}

// AvailableFilters renders the keyword list shown to users.
func AvailableFilters() string {
	titles := make([]string, len(Filters))
	for i, f := range Filters {
		titles[i] = f.Title()
	}
	return strings.Join(titles, ", ")
}

// Command is a parsed photo caption.
type Command struct {
	Filter Filter
	// Value is the first numeric token after the keyword, if HasValue.
	Value     float64
	HasValue  bool
	Direction string
}

// IntValue returns the parameter as an integer, or def when the caption had none.
func (c Command) IntValue(def int) int {
	if !c.HasValue {
		return def
	}
	return int(c.Value)
}

func (c Command) FloatValue(def float64) float64 {
	if !c.HasValue {
		return def
	}
	return c.Value
}

// ParseCaption matches the trimmed, lower-cased caption against the known keywords by prefix.
func ParseCaption(caption string) (Command, error) {
	caption = strings.ToLower(strings.TrimSpace(caption))
	if caption == "" {
		return Command{}, ErrMissingCaption
	}

	for _, f := range Filters {
		if !strings.HasPrefix(caption, string(f)) {
			continue
		}

		cmd := Command{Filter: f}
		for _, token := range strings.Fields(caption[len(f):]) {
			if f == FilterConcat && cmd.Direction == "" && (token == "horizontal" || token == "vertical") {
				cmd.Direction = token
				continue
			}
			if cmd.HasValue {
				continue
			}
			if v, ok := parseNumber(f, token); ok {
				cmd.Value = v
				cmd.HasValue = true
			}
		}
		return cmd, nil
	}

	return Command{}, fmt.Errorf("%w: %q", ErrInvalidCaption, caption)
}

// Integer filters accept digit-only tokens; salt and pepper takes a probability.
func parseNumber(f Filter, token string) (float64, bool) {
	if f == FilterSaltAndPepper {
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}

	for _, r := range token {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(token)
	if err != nil {
		return 0, false
	}
	return float64(v), true
}
