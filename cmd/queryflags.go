package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datalab-tools/tiktok-research-crawler/internal/query"
)

// queryFlags collects the flags that describe what to search for, shared by
// the run and print-query commands. A query file takes precedence over the
// builder flags.
type queryFlags struct {
	file string

	regions         []string
	hashtagsAny     []string
	hashtagsAll     []string
	hashtagsExclude []string
	keywordsAny     []string
	keywordsAll     []string
	keywordsExclude []string
	usernamesOnly   []string
	usernamesNot    []string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.file, "query-file", "", "path to a JSON query file (overrides builder flags)")
	flags.StringSliceVar(&f.regions, "regions", nil, "region codes to include, e.g. US,CA")
	flags.StringSliceVar(&f.hashtagsAny, "hashtags-any", nil, "match videos with any of these hashtags")
	flags.StringSliceVar(&f.hashtagsAll, "hashtags-all", nil, "match videos with all of these hashtags")
	flags.StringSliceVar(&f.hashtagsExclude, "hashtags-exclude", nil, "exclude videos with these hashtags")
	flags.StringSliceVar(&f.keywordsAny, "keywords-any", nil, "match videos with any of these keywords")
	flags.StringSliceVar(&f.keywordsAll, "keywords-all", nil, "match videos with all of these keywords")
	flags.StringSliceVar(&f.keywordsExclude, "keywords-exclude", nil, "exclude videos with these keywords")
	flags.StringSliceVar(&f.usernamesOnly, "usernames", nil, "restrict to videos from these usernames")
	flags.StringSliceVar(&f.usernamesNot, "usernames-exclude", nil, "exclude videos from these usernames")
}

func (f *queryFlags) resolve() (json.RawMessage, error) {
	if f.file != "" {
		q, err := query.FromFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("load query file: %w", err)
		}
		return q, nil
	}

	b := query.NewBuilder()
	if len(f.regions) > 0 {
		b.Regions(f.regions...)
	}
	if len(f.hashtagsAny) > 0 {
		b.AnyHashtags(f.hashtagsAny...)
	}
	if len(f.hashtagsAll) > 0 {
		b.AllHashtags(f.hashtagsAll...)
	}
	if len(f.hashtagsExclude) > 0 {
		b.ExcludeHashtags(f.hashtagsExclude...)
	}
	if len(f.keywordsAny) > 0 {
		b.AnyKeywords(f.keywordsAny...)
	}
	if len(f.keywordsAll) > 0 {
		b.AllKeywords(f.keywordsAll...)
	}
	if len(f.keywordsExclude) > 0 {
		b.ExcludeKeywords(f.keywordsExclude...)
	}
	if len(f.usernamesOnly) > 0 {
		b.OnlyUsernames(f.usernamesOnly...)
	}
	if len(f.usernamesNot) > 0 {
		b.ExcludeUsernames(f.usernamesNot...)
	}

	q, err := b.Build()
	if err != nil {
		if errors.Is(err, query.ErrEmptyQuery) {
			return nil, errors.New("no query given: pass --query-file or at least one builder flag")
		}
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.JSON()
}
