// Package logs fetches task logs, strips agent noise and archives them.
package logs

import (
	"context"
	"errors"
	"regexp"
)

// prefixWidth is the width of the timestamp the agent puts in front of every line.
const prefixWidth = 29

var (
	ansiPattern      = regexp.MustCompile("\x1b[^m]*?m")
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z \[\w+\].*`)
	problemsPattern  = regexp.MustCompile(`The following problems may be the cause of any confusing errors from downstream operations`)
	dashPattern      = regexp.MustCompile(`^\s+-\s.*`)
)

// Clean strips colour codes and the timestamp prefix from raw log lines and
// drops embedded diagnostics: nested timestamped lines, the downstream problems
// banner and its indented bullet list.
func Clean(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		text := dropPrefix(ansiPattern.ReplaceAllString(line, ""))
		if timestampPattern.MatchString(text) || problemsPattern.MatchString(text) || dashPattern.MatchString(text) {
			continue
		}
		out = append(out, text)
	}
	return out
}

func dropPrefix(s string) string {
	runes := []rune(s)
	if len(runes) <= prefixWidth {
		return ""
	}
	return string(runes[prefixWidth:])
}

// Fetcher loads the raw lines of a log.
type Fetcher interface {
	LogLines(ctx context.Context, credential, logURL string) ([]string, error)
}

// CredentialSource yields the credential used for one call.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// Reader returns cleaned task logs.
type Reader struct {
	fetcher Fetcher
	creds   CredentialSource
}

// NewReader creates a Reader.
func NewReader(fetcher Fetcher, creds CredentialSource) (*Reader, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if creds == nil {
		return nil, errors.New("credential source is required")
	}
	return &Reader{fetcher: fetcher, creds: creds}, nil
}

// Lines fetches logURL and returns the cleaned lines.
func (r *Reader) Lines(ctx context.Context, logURL string) ([]string, error) {
	if logURL == "" {
		return nil, errors.New("record has no log")
	}
	credential, err := r.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := r.fetcher.LogLines(ctx, credential, logURL)
	if err != nil {
		return nil, err
	}
	return Clean(raw), nil
}
