package taxonomy

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SummaryResponse is the esummary JSON envelope. Result maps each uid to its
// document and also carries a "uids" list.
type SummaryResponse struct {
	Result map[string]json.RawMessage `json:"result"`
}

// Summary is one taxonomy document.
type Summary struct {
	UID            string `json:"uid"`
	Rank           string `json:"rank"`
	Division       string `json:"division"`
	ScientificName string `json:"scientificname"`
	CommonName     string `json:"commonname"`
	Error          string `json:"error"`
}

// Summaries decodes the per-uid documents.
func (r SummaryResponse) Summaries() (map[int64]Summary, error) {
	out := make(map[int64]Summary)
	raw, ok := r.Result["uids"]
	if !ok {
		return out, nil
	}
	var uids []string
	if err := json.Unmarshal(raw, &uids); err != nil {
		return nil, fmt.Errorf("decode uids: %w", err)
	}
	for _, uid := range uids {
		doc, ok := r.Result[uid]
		if !ok {
			continue
		}
		var s Summary
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decode summary %s: %w", uid, err)
		}
		id, err := strconv.ParseInt(uid, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse uid %q: %w", uid, err)
		}
		out[id] = s
	}
	return out, nil
}
