// Package query builds the boolean condition trees the TikTok research API
// accepts for video queries, and serializes them to the API's JSON shape.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrEmptyQuery reports a condition tree with no operands at all.
var ErrEmptyQuery = errors.New("query must have at least one of and, or, not")

// Op is a condition operation supported by the API.
type Op string

// Operations accepted in a condition.
const (
	OpEQ  Op = "EQ"
	OpIN  Op = "IN"
	OpGT  Op = "GT"
	OpGTE Op = "GTE"
	OpLT  Op = "LT"
	OpLTE Op = "LTE"
)

// Field names the API accepts in a condition.
const (
	FieldUsername    = "username"
	FieldHashtagName = "hashtag_name"
	FieldKeyword     = "keyword"
	FieldVideoID     = "video_id"
	FieldMusicID     = "music_id"
	FieldEffectID    = "effect_id"
	FieldRegionCode  = "region_code"
	FieldVideoLength = "video_length"
	FieldCreateDate  = "create_date"
)

// Video length buckets: SHORT <15s, MID 15-60s, LONG 1-5min, EXTRA_LONG >5min.
var videoLengths = map[string]bool{
	"SHORT": true, "MID": true, "LONG": true, "EXTRA_LONG": true,
}

// Condition is a single field comparison.
type Condition struct {
	Operation   Op       `json:"operation"`
	FieldName   string   `json:"field_name"`
	FieldValues []string `json:"field_values"`
}

// Query is a boolean condition tree. At least one operand list must be
// non-empty.
type Query struct {
	And []Condition `json:"and,omitempty"`
	Or  []Condition `json:"or,omitempty"`
	Not []Condition `json:"not,omitempty"`
}

// Cond builds a Condition.
func Cond(field string, op Op, values ...string) Condition {
	return Condition{Operation: op, FieldName: field, FieldValues: values}
}

// Validate checks the tree is non-empty and each condition is well formed.
func (q Query) Validate() error {
	if len(q.And) == 0 && len(q.Or) == 0 && len(q.Not) == 0 {
		return ErrEmptyQuery
	}
	for _, group := range [][]Condition{q.And, q.Or, q.Not} {
		for _, c := range group {
			if err := c.validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Operation {
	case OpEQ, OpIN, OpGT, OpGTE, OpLT, OpLTE:
	default:
		return fmt.Errorf("unknown operation %q", c.Operation)
	}
	if c.FieldName == "" {
		return fmt.Errorf("condition field name is required")
	}
	if len(c.FieldValues) == 0 {
		return fmt.Errorf("condition on %s has no values", c.FieldName)
	}
	switch c.FieldName {
	case FieldVideoLength:
		for _, v := range c.FieldValues {
			if !videoLengths[v] {
				return fmt.Errorf("invalid video_length %q", v)
			}
		}
	case FieldCreateDate:
		for _, v := range c.FieldValues {
			if _, err := time.Parse("20060102", v); err != nil {
				return fmt.Errorf("invalid create_date %q: %w", v, err)
			}
		}
	}
	return nil
}

// JSON serializes the query to the API's wire shape.
func (q Query) JSON() (json.RawMessage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	return raw, nil
}

// Builder accumulates include/exclude conditions the way the CLI flags
// express them, producing a Query. Include flags land in "and"/"or",
// exclude flags in "not".
type Builder struct {
	q Query
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Regions restricts results to the given region codes.
func (b *Builder) Regions(codes ...string) *Builder {
	if len(codes) > 0 {
		b.q.And = append(b.q.And, Cond(FieldRegionCode, OpIN, codes...))
	}
	return b
}

// AnyHashtags requires at least one of the given hashtags.
func (b *Builder) AnyHashtags(names ...string) *Builder {
	if len(names) > 0 {
		b.q.Or = append(b.q.Or, Cond(FieldHashtagName, OpIN, names...))
	}
	return b
}

// AllHashtags requires every one of the given hashtags.
func (b *Builder) AllHashtags(names ...string) *Builder {
	for _, name := range names {
		b.q.And = append(b.q.And, Cond(FieldHashtagName, OpEQ, name))
	}
	return b
}

// ExcludeHashtags rejects videos carrying any of the given hashtags.
func (b *Builder) ExcludeHashtags(names ...string) *Builder {
	if len(names) > 0 {
		b.q.Not = append(b.q.Not, Cond(FieldHashtagName, OpIN, names...))
	}
	return b
}

// AnyKeywords requires at least one of the given keywords.
func (b *Builder) AnyKeywords(words ...string) *Builder {
	if len(words) > 0 {
		b.q.Or = append(b.q.Or, Cond(FieldKeyword, OpIN, words...))
	}
	return b
}

// AllKeywords requires every one of the given keywords.
func (b *Builder) AllKeywords(words ...string) *Builder {
	for _, word := range words {
		b.q.And = append(b.q.And, Cond(FieldKeyword, OpEQ, word))
	}
	return b
}

// ExcludeKeywords rejects videos matching any of the given keywords.
func (b *Builder) ExcludeKeywords(words ...string) *Builder {
	if len(words) > 0 {
		b.q.Not = append(b.q.Not, Cond(FieldKeyword, OpIN, words...))
	}
	return b
}

// OnlyUsernames restricts results to videos from the given usernames.
func (b *Builder) OnlyUsernames(usernames ...string) *Builder {
	if len(usernames) > 0 {
		b.q.And = append(b.q.And, Cond(FieldUsername, OpIN, usernames...))
	}
	return b
}

// ExcludeUsernames rejects videos from the given usernames.
func (b *Builder) ExcludeUsernames(usernames ...string) *Builder {
	if len(usernames) > 0 {
		b.q.Not = append(b.q.Not, Cond(FieldUsername, OpIN, usernames...))
	}
	return b
}

// Build validates and returns the accumulated Query.
func (b *Builder) Build() (Query, error) {
	if err := b.q.Validate(); err != nil {
		return Query{}, err
	}
	return b.q, nil
}

// FromFile reads a raw query payload from a JSON file. The payload is
// treated as already validated by whoever wrote it; only JSON syntax and
// the top-level object shape are checked.
func FromFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query file: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse %s as JSON object: %w", path, err)
	}
	var compact json.RawMessage
	if err := json.Unmarshal(data, &compact); err != nil {
		return nil, fmt.Errorf("parse query file: %w", err)
	}
	return compact, nil
}
