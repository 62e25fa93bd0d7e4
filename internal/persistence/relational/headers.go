package relational

import "encoding/json"

func encodeHeaders(h map[string][]string) string {
	if h == nil {
		return "{}"
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeHeaders(s string) map[string][]string {
	var h map[string][]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil
	}
	return h
}
