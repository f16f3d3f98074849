package emailrpc

import "encoding/json"

// Response is a decoded reply payload.
type Response map[string]any

// RequestID returns the correlation id echoed in the payload, checking the
// "request" field before "Request".
func (r Response) RequestID() (string, bool) {
	for _, key := range []string{"request", "Request"} {
		if v, ok := r[key].(string); ok {
			return v, true
		}
	}
	return "", false
}

// parseResponse decodes a reply body. Anything that is not a JSON object
// yields nil.
func parseResponse(body string) Response {
	var r Response
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil
	}
	return r
}
