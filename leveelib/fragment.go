package leveelib

// Fragment is one link of a received byte chain handed over by the
// transport stack. The stack may deliver several links at once; the
// bridge detaches and consumes them one at a time so the receive
// window reopens as early as possible.
type Fragment struct {
	Data []byte
	Next *Fragment
}

// Chain appends other to the end of the chain rooted at f.
func (f *Fragment) Chain(other *Fragment) {
	last := f
	for last.Next != nil {
		last = last.Next
	}
	last.Next = other
}

// TotalLen returns the byte count of the whole chain.
func (f *Fragment) TotalLen() int {
	n := 0
	for it := f; it != nil; it = it.Next {
		n += len(it.Data)
	}
	return n
}
