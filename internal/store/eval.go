package store

import (
	"bytes"
	"strings"
	"time"

	"github.com/infodancer/mailcore/internal/search"
)

// evalNode evaluates a parsed SEARCH criterion against one message. last
// is the current highest sequence number, substituted for "*" in
// sequence-set ranges.
func evalNode(n *search.Node, seq int, last uint32, msg *memoryMessage) bool {
	switch n.Kind {
	case search.KindAnd:
		for _, c := range n.Children {
			if !evalNode(c, seq, last, msg) {
				return false
			}
		}
		return true
	case search.KindOr:
		return evalNode(n.Children[0], seq, last, msg) || evalNode(n.Children[1], seq, last, msg)
	case search.KindNot:
		return !evalNode(n.Children[0], seq, last, msg)

	case search.KindAll:
		return true
	case search.KindAnswered:
		return msg.flags["\\Answered"]
	case search.KindUnanswered:
		return !msg.flags["\\Answered"]
	case search.KindDeleted:
		return msg.flags["\\Deleted"]
	case search.KindUndeleted:
		return !msg.flags["\\Deleted"]
	case search.KindDraft:
		return msg.flags["\\Draft"]
	case search.KindUndraft:
		return !msg.flags["\\Draft"]
	case search.KindFlagged:
		return msg.flags["\\Flagged"]
	case search.KindUnflagged:
		return !msg.flags["\\Flagged"]
	case search.KindSeen:
		return msg.flags["\\Seen"]
	case search.KindUnseen:
		return !msg.flags["\\Seen"]
	case search.KindRecent:
		return msg.flags["\\Recent"]
	case search.KindNew:
		return msg.flags["\\Recent"] && !msg.flags["\\Seen"]
	case search.KindOld:
		return !msg.flags["\\Recent"]

	case search.KindBefore:
		return msg.internalDate.Before(n.Date)
	case search.KindOn:
		return sameDay(msg.internalDate, n.Date)
	case search.KindSince:
		return !msg.internalDate.Before(n.Date)
	case search.KindSentBefore, search.KindSentOn, search.KindSentSince:
		date, ok := headerDate(msg.content)
		if !ok {
			return false
		}
		switch n.Kind {
		case search.KindSentBefore:
			return date.Before(n.Date)
		case search.KindSentOn:
			return sameDay(date, n.Date)
		default:
			return !date.Before(n.Date)
		}

	case search.KindLarger:
		return int64(len(msg.content)) > n.Size
	case search.KindSmaller:
		return int64(len(msg.content)) < n.Size

	case search.KindBody:
		return containsFold(bodyOf(msg.content), n.Text)
	case search.KindText:
		return containsFold(msg.content, n.Text)
	case search.KindSubject:
		return containsFold([]byte(header(msg.content, "Subject")), n.Text)
	case search.KindFrom:
		return containsFold([]byte(header(msg.content, "From")), n.Text)
	case search.KindTo:
		return containsFold([]byte(header(msg.content, "To")), n.Text)
	case search.KindCc:
		return containsFold([]byte(header(msg.content, "Cc")), n.Text)
	case search.KindBcc:
		return containsFold([]byte(header(msg.content, "Bcc")), n.Text)
	case search.KindHeader:
		return containsFold([]byte(header(msg.content, n.HeaderField)), n.Text)

	case search.KindKeyword:
		return msg.flags[n.Keyword]
	case search.KindUnkeyword:
		return !msg.flags[n.Keyword]

	case search.KindUID:
		for _, r := range n.SeqSet {
			if r.Contains(msg.uid, last) {
				return true
			}
		}
		return false
	case search.KindSequence:
		for _, r := range n.SeqSet {
			if r.Contains(uint32(seq), last) {
				return true
			}
		}
		return false
	}
	return false
}

func containsFold(haystack []byte, needle string) bool {
	if needle == "" {
		return true
	}
	return bytes.Contains(bytes.ToLower(haystack), bytes.ToLower([]byte(needle)))
}

func bodyOf(content []byte) []byte {
	parts := bytes.SplitN(content, []byte("\r\n\r\n"), 2)
	if len(parts) < 2 {
		return nil
	}
	return parts[1]
}

func header(content []byte, field string) string {
	parts := bytes.SplitN(content, []byte("\r\n\r\n"), 2)
	lines := bytes.Split(parts[0], []byte("\r\n"))
	prefix := strings.ToLower(field) + ":"
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(string(line)), prefix) {
			return strings.TrimSpace(string(line[len(prefix):]))
		}
	}
	return ""
}

func headerDate(content []byte) (time.Time, bool) {
	v := header(content, "Date")
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC1123Z, v)
	if err != nil {
		t, err = time.Parse(time.RFC1123, v)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
