/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package priorityqueue

import (
	"container/heap"
)

type item[T comparable] struct {
	elem     T
	priority int64
	// insertion order, breaks ties
	seq uint64

	// Index in the itemHeap of this item
	heapIndex int
}

type itemHeap[T comparable] []*item[T]

// Queue is a max-heap of elements keyed by an integer priority. Besides popping the maximum it supports changing the
// priority of and removing arbitrary elements in O(log n). Of elements with equal priority, the one inserted first is
// on top. Not safe for concurrent use.
type Queue[T comparable] struct {
	items *itemHeap[T]
	// elem -> item for all elements in the heap
	index   map[T]*item[T]
	nextSeq uint64
}

func New[T comparable]() *Queue[T] {
	h := make(itemHeap[T], 0)
	heap.Init(&h)
	return &Queue[T]{
		items: &h,
		index: map[T]*item[T]{},
	}
}

// IncreasePriority adds delta to the priority of elem, which may be negative. If elem is not in the queue, it is
// inserted with priority delta.
func (q *Queue[T]) IncreasePriority(elem T, delta int64) {
	if it, ok := q.index[elem]; ok {
		it.priority += delta
		heap.Fix(q.items, it.heapIndex)
		return
	}

	it := &item[T]{elem: elem, priority: delta, seq: q.nextSeq}
	q.nextSeq++
	q.index[elem] = it
	heap.Push(q.items, it)
}

// Remove removes elem from the queue. No-op if it is not in the queue.
func (q *Queue[T]) Remove(elem T) {
	it, ok := q.index[elem]
	if !ok {
		return
	}
	delete(q.index, elem)
	heap.Remove(q.items, it.heapIndex)
}

// Top returns the element with the highest priority and its priority. Panics if the queue is empty.
func (q *Queue[T]) Top() (T, int64) {
	if q.Empty() {
		panic("Top called on empty priority queue")
	}
	h := (*q.items)[0]
	return h.elem, h.priority
}

// Pop removes the element with the highest priority. Panics if the queue is empty.
func (q *Queue[T]) Pop() {
	if q.Empty() {
		panic("Pop called on empty priority queue")
	}
	it := heap.Pop(q.items).(*item[T])
	delete(q.index, it.elem)
}

func (q *Queue[T]) Size() int {
	return q.items.Len()
}

func (q *Queue[T]) Empty() bool {
	return q.items.Len() == 0
}

func (h *itemHeap[T]) Len() int {
	return len(*h)
}

func (h *itemHeap[T]) Less(i, j int) bool {
	if (*h)[i].priority != (*h)[j].priority {
		return (*h)[i].priority > (*h)[j].priority
	}
	return (*h)[i].seq < (*h)[j].seq
}

func (h *itemHeap[T]) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *itemHeap[T]) Push(x any) {
	it := x.(*item[T])
	*h = append(*h, it)
	it.heapIndex = len(*h) - 1
}

func (h *itemHeap[T]) Pop() any {
	prev := *h
	newLen := len(prev) - 1
	popped := prev[newLen]
	popped.heapIndex = -1
	prev[newLen] = nil
	*h = prev[0:newLen]
	return popped
}
