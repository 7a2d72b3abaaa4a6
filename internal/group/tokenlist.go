// Package group holds the relay's in-memory membership state: the bounded
// push-token list, the per-group connection table, and the registry mapping
// group IDs to live groups. A group lives entirely in one process; nothing
// here survives a restart.
package group

// TokenList is a bounded, order-sensitive set of push registration tokens,
// most recently touched first. The order matters: a push-delivery failure
// report identifies tokens by position, so pruning needs no second lookup.
//
// TokenList is not internally synchronized; the owning Group's lock guards it.
type TokenList struct {
	limit  int
	tokens []string
	dirty  bool
}

// NewTokenList seeds a list with the tokens loaded from the store. The seed
// is copied and truncated to limit; a freshly loaded list is not dirty.
func NewTokenList(limit int, seed []string) *TokenList {
	if limit <= 0 {
		limit = 1
	}
	tl := &TokenList{limit: limit}
	if len(seed) > limit {
		seed = seed[:limit]
	}
	tl.tokens = append(make([]string, 0, limit), seed...)
	return tl
}

// Touch moves token to the front, inserting it if absent and evicting the
// least recently touched entry when the list is full. Touching the token
// already at the front changes nothing and does not mark the list dirty.
func (tl *TokenList) Touch(token string) {
	for i, t := range tl.tokens {
		if t != token {
			continue
		}
		if i == 0 {
			return
		}
		copy(tl.tokens[1:i+1], tl.tokens[:i])
		tl.tokens[0] = token
		tl.dirty = true
		return
	}

	if len(tl.tokens) >= tl.limit {
		tl.tokens = tl.tokens[:tl.limit-1]
	}
	tl.tokens = append([]string{token}, tl.tokens...)
	tl.dirty = true
}

// Remove deletes token if present, marking the list dirty only when a
// removal occurred.
func (tl *TokenList) Remove(token string) {
	for i, t := range tl.tokens {
		if t == token {
			tl.tokens = append(tl.tokens[:i], tl.tokens[i+1:]...)
			tl.dirty = true
			return
		}
	}
}

// Tokens returns a copy of the list, most recently touched first.
func (tl *TokenList) Tokens() []string {
	out := make([]string, len(tl.tokens))
	copy(out, tl.tokens)
	return out
}

// Len returns the number of stored tokens.
func (tl *TokenList) Len() int {
	return len(tl.tokens)
}

// Dirty reports whether the list changed since it was loaded or last saved.
func (tl *TokenList) Dirty() bool {
	return tl.dirty
}
