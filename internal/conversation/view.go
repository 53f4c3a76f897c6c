// Package conversation merges a fetched history page with live pushes into a
// single ordered, duplicate-free view of one pair's conversation.
package conversation

import (
	"slices"
	"sync"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/samber/lo"
)

// View is the client-side state of one conversation. History may arrive
// before or after pushes for the same messages; both paths feed the same map.
type View struct {
	userID        string
	counterpartID string

	mu   sync.RWMutex
	byID map[int64]*domain.Message
}

// NewView creates an empty view of the conversation between userID and counterpartID.
func NewView(userID, counterpartID string) *View {
	return &View{
		userID:        userID,
		counterpartID: counterpartID,
		byID:          make(map[int64]*domain.Message),
	}
}

// Seed merges a history page. It returns the number of messages not seen before.
func (v *View) Seed(history []*domain.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	added := 0
	for _, m := range history {
		if v.merge(m) {
			added++
		}
	}
	return added
}

// Apply merges one pushed message. It reports whether the message was new to
// the view; messages outside the pair are ignored.
func (v *View) Apply(m *domain.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.merge(m)
}

// merge must be called with mu held. A later copy of a known id replaces the
// earlier one so read receipts are picked up.
func (v *View) merge(m *domain.Message) bool {
	if m == nil || m.ID == 0 || !m.Involves(v.userID, v.counterpartID) {
		return false
	}
	_, seen := v.byID[m.ID]
	cp := *m
	v.byID[m.ID] = &cp
	return !seen
}

// Messages returns a copy of the conversation, oldest first.
func (v *View) Messages() []*domain.Message {
	v.mu.RLock()
	out := lo.Values(v.byID)
	v.mu.RUnlock()

	slices.SortFunc(out, func(a, b *domain.Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		default:
			return 0
		}
	})
	return lo.Map(out, func(m *domain.Message, _ int) *domain.Message {
		cp := *m
		return &cp
	})
}

// Len returns the number of distinct messages in the view.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.byID)
}

// LastID returns the highest message id seen, for use as an after_id cursor.
func (v *View) LastID() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.byID) == 0 {
		return 0
	}
	return lo.Max(lo.Keys(v.byID))
}

// Unread returns the messages addressed to the view's user that are not yet read.
func (v *View) Unread() []*domain.Message {
	return lo.Filter(v.Messages(), func(m *domain.Message, _ int) bool {
		return m.RecipientID == v.userID && !m.Read
	})
}
