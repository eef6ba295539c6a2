// Package event implements the tick-driven deferral list used to age ITAG
// entries and resume IOFENCE.C completions. The model has no internal
// suspension points (spec.md 5): every deferral is represented as an entry
// in this list and resolved synchronously from Advance, never a goroutine
// or callback chain.
package event

/*
 * rviommu - tick scheduler
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Callback fires when an event's countdown reaches zero.
type Callback = func(iarg int)

// Handle identifies the owner of an event for cancellation purposes. The
// teacher used its device.Device interface here; an IOMMU model has no
// per-device identity for ITAG timers, so a plain comparable handle takes
// its place.
type Handle int

type event struct {
	time int // Ticks remaining, relative to the previous entry.
	h    Handle
	cb   Callback
	iarg int
	prev *event
	next *event
}

// List is one owned instance of the delta list. The teacher kept this as a
// package-global; spec.md 9 requires every IOMMU instance to own independent
// state, so List is a field of iommu.IOMMU rather than a package global.
type List struct {
	head *event
	tail *event
}

// Add schedules cb to run after the given number of ticks, carrying iarg.
// A zero-tick event runs immediately and is never inserted.
func (l *List) Add(h Handle, cb Callback, ticks int, iarg int) {
	if ticks <= 0 {
		cb(iarg)
		return
	}

	ev := &event{h: h, cb: cb, time: ticks, iarg: iarg}

	cur := l.head
	if cur == nil {
		l.head = ev
		l.tail = ev
		return
	}

	for cur != nil {
		if ev.time <= cur.time {
			cur.time -= ev.time
			ev.prev = cur.prev
			ev.next = cur
			cur.prev = ev
			if ev.prev != nil {
				ev.prev.next = ev
			} else {
				l.head = ev
			}
			return
		}
		ev.time -= cur.time
		cur = cur.next
	}

	ev.prev = l.tail
	l.tail.next = ev
	l.tail = ev
}

// Cancel removes the first pending event matching h and iarg, if any,
// crediting its remaining time to the following entry.
func (l *List) Cancel(h Handle, iarg int) {
	cur := l.head
	for cur != nil {
		if cur.h == h && cur.iarg == iarg {
			if cur.next != nil {
				cur.next.time += cur.time
				cur.next.prev = cur.prev
			} else {
				l.tail = cur.prev
			}
			if cur.prev != nil {
				cur.prev.next = cur.next
			} else {
				l.head = cur.next
			}
			return
		}
		cur = cur.next
	}
}

// Advance moves the clock forward by t ticks, firing every event whose
// countdown reaches zero or below, in order.
func (l *List) Advance(t int) {
	cur := l.head
	if cur == nil {
		return
	}
	cur.time -= t
	for cur != nil && cur.time <= 0 {
		cur.cb(cur.iarg)
		surplus := cur.time
		l.head = cur.next
		cur = l.head
		if cur != nil {
			cur.prev = nil
			cur.time += surplus
		} else {
			l.tail = nil
		}
	}
}

// Pending reports whether any event is outstanding.
func (l *List) Pending() bool {
	return l.head != nil
}
