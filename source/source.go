// Package source builds the ordered target lists handed to the fetch engine:
// line-delimited input, word-list expansion of a URL template and numeric ranges.
package source

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
)

// Placeholder is the token substituted in URL templates
const Placeholder = "{}"

const maxLineLength = 1024 * 1024

// Scan calls fn for every non-blank line of r, trimmed of surrounding spaces.
// It stops at the first error returned by fn or when ctx is done.
func Scan(ctx context.Context, r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := fn(line); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// Lines reads every non-blank line of r
func Lines(r io.Reader) ([]string, error) {
	lines := make([]string, 0)
	err := Scan(context.Background(), r, func(line string) error {
		lines = append(lines, line)
		return nil
	})
	return lines, err
}

// Expand substitutes every placeholder of template with each word, in order.
// A template without placeholder gets the word appended, which is how fuzz lists are usually applied.
func Expand(template string, words []string) []string {
	urls := make([]string, len(words))
	for i, word := range words {
		if strings.Contains(template, Placeholder) {
			urls[i] = strings.ReplaceAll(template, Placeholder, word)
		} else {
			urls[i] = template + word
		}
	}
	return urls
}

// Range expands template with every integer in [from, to)
func Range(template string, from, to int) []string {
	if to <= from {
		return []string{}
	}

	words := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		words = append(words, strconv.Itoa(i))
	}
	return Expand(template, words)
}
