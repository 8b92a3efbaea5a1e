package fetchpool

import (
	"fmt"
	"net/url"
	"strings"
)

// Target is one URL to fetch, identified by its 0-based position in the submitted sequence.
type Target struct {
	Index int
	URL   string
}

// NewTargets assigns consecutive indices to the given URLs, starting at 0
func NewTargets(urls ...string) []Target {
	targets := make([]Target, len(urls))
	for i, u := range urls {
		targets[i] = Target{Index: i, URL: u}
	}
	return targets
}

func (t Target) String() string {
	return fmt.Sprintf("#%d %s", t.Index, t.URL)
}

// parseTarget validates a target URL without touching the network
func parseTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidTarget)
	}

	// Braces are not valid URL characters, any of them is taken as a template token left unexpanded
	if strings.ContainsAny(raw, "{}") {
		return nil, fmt.Errorf("%w: unexpanded placeholder in %q", ErrInvalidTarget, raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q in %q", ErrInvalidTarget, u.Scheme, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, raw)
	}

	return u, nil
}
