// Package search implements the IMAP SEARCH criteria grammar (RFC 9051
// §6.4.4) as a small AST, built by a recursive-descent parser and handed
// to the mailbox store for evaluation against its own message metadata.
package search

import "time"

// Kind identifies the variety of search criterion a Node represents.
type Kind int

const (
	// KindAnd groups Children, all of which must match (the implicit
	// conjunction of a bare criteria list).
	KindAnd Kind = iota
	// KindOr matches if either of the two Children matches.
	KindOr
	// KindNot inverts the single child in Children[0].
	KindNot

	// KindAll matches every message.
	KindAll
	KindAnswered
	KindDeleted
	KindDraft
	KindFlagged
	KindNew
	KindOld
	KindRecent
	KindSeen
	KindUnanswered
	KindUndeleted
	KindUndraft
	KindUnflagged
	KindUnseen

	// KindBefore/KindOn/KindSince compare the message's internal date
	// against Date.
	KindBefore
	KindOn
	KindSince
	// KindSentBefore/KindSentOn/KindSentSince compare the Date header.
	KindSentBefore
	KindSentOn
	KindSentSince

	// KindLarger/KindSmaller compare the message size against Size.
	KindLarger
	KindSmaller

	// KindBody/KindText/KindSubject/KindFrom/KindTo/KindCc/KindBcc match
	// Text against the named part, case-insensitively.
	KindBody
	KindText
	KindSubject
	KindFrom
	KindTo
	KindCc
	KindBcc

	// KindHeader matches Text against the value of the header named by
	// HeaderField.
	KindHeader

	// KindKeyword/KindUnkeyword test for presence/absence of the flag
	// named by Keyword.
	KindKeyword
	KindUnkeyword

	// KindUID/KindSequence restrict to the sequence set in SeqSet,
	// interpreted as UIDs or message sequence numbers respectively.
	KindUID
	KindSequence
)

// Node is one criterion in a SEARCH query, or a boolean combination of
// others. Only the fields relevant to Kind are populated.
type Node struct {
	Kind     Kind
	Children []*Node

	Date        time.Time
	Size        int64
	Text        string
	HeaderField string
	Keyword     string
	SeqSet      []SeqRange
}

// SeqRange is an inclusive sequence-number or UID range. Max of 0 with
// Star true means "to the end of the mailbox" (the "*" token).
type SeqRange struct {
	Min, Max uint32
	Star     bool
}

// Contains reports whether seq falls within the range, where last is the
// current highest sequence number/UID in the mailbox (substituted for a
// trailing "*").
func (r SeqRange) Contains(seq, last uint32) bool {
	max := r.Max
	if r.Star {
		max = last
	}
	return seq >= r.Min && seq <= max
}
