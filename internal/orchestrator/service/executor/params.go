package executor

import "strings"

// ParseTrailingParams splits custom parameters appended to a playbook path
// with the "{key=value}" / "{key}" mini-syntax, e.g.
// "playbooks/billing.yml{region=eu}{force}". A valueless key is the literal
// "true". Malformed trailers stay part of the path.
func ParseTrailingParams(path string) (string, map[string]string) {
	params := map[string]string{}
	for strings.HasSuffix(path, "}") {
		open := strings.LastIndexByte(path, '{')
		if open < 0 {
			break
		}
		body := path[open+1 : len(path)-1]
		if body == "" || strings.ContainsAny(body, "{}") {
			break
		}
		key, value, found := strings.Cut(body, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			break
		}
		if !found {
			value = "true"
		}
		params[key] = value
		path = path[:open]
	}
	return path, params
}
