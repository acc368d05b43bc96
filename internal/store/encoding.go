package store

import (
	"encoding/json"
	"fmt"
)

// rawJSON turns a scanned column into a RawMessage, keeping SQL NULL as nil.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// nullableJSON maps an empty payload to SQL NULL instead of JSON null.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func decodeURLs(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var urls []string
	if err := json.Unmarshal(b, &urls); err != nil {
		return nil, fmt.Errorf("decode discovered urls: %w", err)
	}
	return urls, nil
}
