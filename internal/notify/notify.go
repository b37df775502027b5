// Package notify folds the append-only event stream into the render list the
// notification panel shows: chat-message events collapse into one row per
// conversation and day, everything else stays an individual row.
package notify

import (
	"fmt"
	"sort"
	"sync"
)

// ItemTypeChatMessage marks items that participate in conversation-day grouping.
const ItemTypeChatMessage = "conversation_new_message"

const defaultRetentionCap = 2000

// Item is one ingested notification event. EntityID names the source entity
// (reservation or message id) so distinct events sharing a customer and day
// stay distinct.
type Item struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	EntityID    string `json:"entity_id,omitempty"`
	WaID        string `json:"wa_id,omitempty"`
	Date        string `json:"date,omitempty"`
	TimeSlot    string `json:"time_slot,omitempty"`
	Text        string `json:"text,omitempty"`
	TimestampMs int64  `json:"timestamp"`
	Unread      bool   `json:"unread"`
}

// ItemID derives the idempotent identifier for an item: the same composite
// key (type, entity, customer, date, slot) at the same timestamp always
// yields the same ID, so a duplicate wire event re-inserts as a no-op while
// distinct events arriving in the same millisecond stay apart.
func ItemID(item Item) string {
	return fmt.Sprintf("%d:%s:%s:%s:%s:%s",
		item.TimestampMs, item.Type, item.EntityID, item.WaID, item.Date, item.TimeSlot)
}

// Store retains ingested items up to a hard cap, oldest evicted first.
type Store struct {
	mu    sync.Mutex
	cap   int
	items []Item
	index map[string]struct{}
}

// NewStore returns a store with the default retention cap.
func NewStore() *Store {
	return NewStoreWithCap(defaultRetentionCap)
}

// NewStoreWithCap returns a store retaining at most capacity items.
func NewStoreWithCap(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultRetentionCap
	}
	return &Store{
		cap:   capacity,
		index: make(map[string]struct{}),
	}
}

// Ingest appends an item, deriving its ID when absent. It reports false for
// duplicates, which are dropped.
func (s *Store) Ingest(item Item) bool {
	if item.ID == "" {
		item.ID = ItemID(item)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.index[item.ID]; seen {
		return false
	}
	s.items = append(s.items, item)
	s.index[item.ID] = struct{}{}

	for len(s.items) > s.cap {
		delete(s.index, s.items[0].ID)
		s.items = s.items[1:]
	}
	return true
}

// Items returns a copy of the retained items in insertion order.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.items...)
}

// MarkAllRead clears the unread flag on every retained item.
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index := range s.items {
		s.items[index].Unread = false
	}
}

// Reset drops every retained item. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.index = make(map[string]struct{})
}

// Group aggregates the chat-message items of one (customer, day) pair.
type Group struct {
	WaID        string `json:"wa_id"`
	Date        string `json:"date"`
	Items       []Item `json:"items"`
	Latest      Item   `json:"latest"`
	UnreadCount int    `json:"unread_count"`
	TotalCount  int    `json:"total_count"`
}

// Entry is one row of the final render list: either a single item or a
// conversation-day group.
type Entry struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp"`
	Unread      bool   `json:"unread"`
	Item        *Item  `json:"item,omitempty"`
	Group       *Group `json:"group,omitempty"`
}

// Derived is the output of one derivation pass.
type Derived struct {
	UnreadCount int     `json:"unread_count"`
	Entries     []Entry `json:"entries"`
}

// Derive is a pure projection over the item list: feeding it the same items
// always yields the same grouping and ordering. A group contributes at most
// one unit to the unread total regardless of how many of its messages are
// unread (one badge per conversation-day).
func Derive(items []Item, resolveCustomerName func(waID string) string) Derived {
	if resolveCustomerName == nil {
		resolveCustomerName = func(waID string) string { return waID }
	}

	groups := make(map[string]*Group)
	groupOrder := make([]string, 0)
	singles := make([]Item, 0, len(items))

	for _, item := range items {
		if item.Type != ItemTypeChatMessage || item.WaID == "" {
			singles = append(singles, item)
			continue
		}
		key := item.WaID + "|" + item.Date
		group, ok := groups[key]
		if !ok {
			group = &Group{WaID: item.WaID, Date: item.Date, Latest: item}
			groups[key] = group
			groupOrder = append(groupOrder, key)
		}
		group.Items = append(group.Items, item)
		group.TotalCount++
		if item.Unread {
			group.UnreadCount++
		}
		if item.TimestampMs > group.Latest.TimestampMs {
			group.Latest = item
		}
	}

	unreadTotal := 0
	entries := make([]Entry, 0, len(singles)+len(groupOrder))

	for _, item := range singles {
		if item.Unread {
			unreadTotal++
		}
		single := item
		entries = append(entries, Entry{
			ID:          item.ID,
			Text:        item.Text,
			TimestampMs: item.TimestampMs,
			Unread:      item.Unread,
			Item:        &single,
		})
	}
	for _, key := range groupOrder {
		group := groups[key]
		if group.UnreadCount > 0 {
			unreadTotal++
		}
		text := group.Latest.Text
		if group.TotalCount > 1 {
			text = fmt.Sprintf("%d messages from %s", group.TotalCount, resolveCustomerName(group.WaID))
		}
		entries = append(entries, Entry{
			ID:          fmt.Sprintf("group:%s:%s", group.WaID, group.Date),
			Text:        text,
			TimestampMs: group.Latest.TimestampMs,
			Unread:      group.UnreadCount > 0,
			Group:       group,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TimestampMs != entries[j].TimestampMs {
			return entries[i].TimestampMs > entries[j].TimestampMs
		}
		return entries[i].ID < entries[j].ID
	})

	return Derived{UnreadCount: unreadTotal, Entries: entries}
}
