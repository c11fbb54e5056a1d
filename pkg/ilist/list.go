// Package ilist provides the implementation of intrusive linked lists.
package ilist

// Linker is the interface that objects must implement if they want to be
// added to and/or removed from List objects.
type Linker interface {
	Next() Element
	Prev() Element
	SetNext(Element)
	SetPrev(Element)
}

// Element is the type a List holds. It is an alias for Linker so that user
// types only need to embed Entry to participate.
type Element interface {
	Linker
}

// List is an intrusive list. Entries can be added to or removed from the
// list in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use. To iterate over a
// list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type List struct {
	head Element
	tail Element
}

// Reset resets list l to the empty state.
func (l *List) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *List) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List) Front() Element {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List) Back() Element {
	return l.tail
}

// PushFront inserts the element e at the front of list l.
func (l *List) PushFront(e Element) {
	e.SetNext(l.head)
	e.SetPrev(nil)
	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}
	l.head = e
}

// PushBack inserts the element e at the back of list l.
func (l *List) PushBack(e Element) {
	e.SetNext(nil)
	e.SetPrev(l.tail)
	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
}

// Remove removes e from l.
func (l *List) Remove(e Element) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
}

// Entry is a default implementation of Linker. Users can add anonymous fields
// of this type to their structs to make them automatically implement the
// methods needed by List.
type Entry struct {
	next Element
	prev Element
}

// Next returns the entry that follows e in the list.
func (e *Entry) Next() Element {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *Entry) Prev() Element {
	return e.prev
}

// SetNext assigns 'elem' as the entry that follows e in the list.
func (e *Entry) SetNext(elem Element) {
	e.next = elem
}

// SetPrev assigns 'elem' as the entry that precedes e in the list.
func (e *Entry) SetPrev(elem Element) {
	e.prev = elem
}
