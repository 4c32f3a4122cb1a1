// Package stack tracks the nested statement contexts of one audit session.
package stack

import (
	"duck-audit/internal/audit/classify"
	"duck-audit/internal/domain"
)

// Event is one audited operation candidate.
type Event struct {
	StatementID    int64
	SubstatementID int64

	Level   classify.Level
	Tag     classify.Tag
	Command string

	ObjectType  string
	ObjectName  string
	CommandText string
	Params      []string

	Granted         bool
	Logged          bool
	StatementLogged bool

	// Sections records which rule sections already produced a SESSION line for
	// this event, so a re-logged event never repeats one.
	Sections []bool
}

// Item wraps an event on the stack.
type Item struct {
	Event Event

	id    int64
	next  *Item // item below
	arena *Arena
}

// ID returns the stack id of the item.
func (i *Item) ID() int64 { return i.id }

// Arena returns the scratch arena owned by the item.
func (i *Item) Arena() *Arena { return i.arena }

// Parent returns the item directly below, or nil.
func (i *Item) Parent() *Item { return i.next }

// Stack is a singly linked, most-recent-first stack of items. It is not safe for
// concurrent use; each session owns one.
type Stack struct {
	top     *Item
	total   int64
	size    int
	onEmpty func()
}

// New creates a stack. onEmpty, when set, runs every time the last item is removed.
func New(onEmpty func()) *Stack {
	return &Stack{onEmpty: onEmpty}
}

// Push links a new item above the current top.
func (s *Stack) Push() *Item {
	s.total++
	item := &Item{
		id:    s.total,
		next:  s.top,
		arena: &Arena{},
	}
	s.top = item
	s.size++
	return item
}

// Pop removes the item with the given id. It must be the top of the stack.
func (s *Stack) Pop(id int64) error {
	if s.top == nil || s.top.id != id {
		return domain.ErrConsistency("stack item %d not found on top - cannot pop", id)
	}
	s.ForceFree(s.top)
	return nil
}

// ForceFree removes the item from anywhere in the chain and releases its arena.
// Freeing an item that is no longer on the stack does nothing.
func (s *Stack) ForceFree(item *Item) {
	if item == nil {
		return
	}

	var above *Item
	for cur := s.top; cur != nil; cur = cur.next {
		if cur != item {
			above = cur
			continue
		}
		if above == nil {
			s.top = cur.next
		} else {
			above.next = cur.next
		}
		cur.next = nil
		cur.arena.Release()
		s.size--

		if s.top == nil && s.onEmpty != nil {
			s.onEmpty()
		}
		return
	}
}

// Unwind removes the item with the given id and every item above it.
func (s *Stack) Unwind(id int64) {
	if !s.Contains(id) {
		return
	}
	for s.top != nil {
		top := s.top
		s.ForceFree(top)
		if top.id == id {
			return
		}
	}
}

// Valid returns a consistency error when id is no longer on the stack.
func (s *Stack) Valid(id int64) error {
	if s.Contains(id) {
		return nil
	}
	topID := int64(-1)
	if s.top != nil {
		topID = s.top.id
	}
	return domain.ErrConsistency("stack item %d not found - top of stack is %d", id, topID)
}

// Contains reports whether an item with the id is on the stack.
func (s *Stack) Contains(id int64) bool {
	for cur := s.top; cur != nil; cur = cur.next {
		if cur.id == id {
			return true
		}
	}
	return false
}

// Top returns the most recent item, or nil.
func (s *Stack) Top() *Item { return s.top }

// Len returns the number of items on the stack.
func (s *Stack) Len() int { return s.size }

// Empty reports whether the stack has no items.
func (s *Stack) Empty() bool { return s.top == nil }
