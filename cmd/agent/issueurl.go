package main

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var issuePathPattern = regexp.MustCompile(`^/([^/]+)/([^/]+)/issues/(\d+)$`)

// parseIssueURL extracts the host-qualified id, project and number from an
// issue URL of the form https://<host>/<owner>/<repo>/issues/<number>,
// matching the id shape state.Issue.ID documents ("github.com/acme/app#42").
func parseIssueURL(raw string) (id, project string, number int, err error) {
	u, parseErr := url.Parse(strings.TrimSpace(raw))
	if parseErr != nil || u.Host == "" {
		return "", "", 0, fmt.Errorf("invalid issue URL %q", raw)
	}
	m := issuePathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", "", 0, fmt.Errorf("issue URL %q does not match <host>/<owner>/<repo>/issues/<number>", raw)
	}
	n, convErr := strconv.Atoi(m[3])
	if convErr != nil {
		return "", "", 0, fmt.Errorf("invalid issue number in %q", raw)
	}
	project = m[1] + "/" + m[2]
	id = u.Host + "/" + project + "#" + m[3]
	return id, project, n, nil
}
