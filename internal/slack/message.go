package slack

import "strings"

// Message is the subset of a Slack message the scanner cares about.
type Message struct {
	TS         string  `json:"ts"`
	Text       string  `json:"text"`
	ThreadTS   string  `json:"thread_ts"`
	ReplyCount int     `json:"reply_count"`
	Blocks     []Block `json:"blocks"`
}

// Block is a structured content block. Only text-bearing fields are
// decoded; everything else is ignored by the scanner.
type Block struct {
	Type     string      `json:"type"`
	Text     *BlockText  `json:"text"`
	Fields   []BlockText `json:"fields"`
	Elements []BlockText `json:"elements"`
}

// BlockText is a plain_text or mrkdwn text object.
type BlockText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// decodedText flattens a message's plain text and all structured block
// text into one searchable string, so an anchor matches no matter which
// surface it was posted on.
func decodedText(m Message) string {
	var b strings.Builder
	b.WriteString(m.Text)
	for _, blk := range m.Blocks {
		if blk.Text != nil {
			b.WriteByte('\n')
			b.WriteString(blk.Text.Text)
		}
		for _, f := range blk.Fields {
			b.WriteByte('\n')
			b.WriteString(f.Text)
		}
		for _, e := range blk.Elements {
			b.WriteByte('\n')
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}
