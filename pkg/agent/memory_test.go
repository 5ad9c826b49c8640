package agent

import (
	"strconv"
	"sync"
	"testing"
)

func TestMemoryAppendListClear(t *testing.T) {
	m := NewMemory()
	m.Append("user", "hello", "req_1")
	m.Append("assistant", "hi", "req_1")
	m.Append("assistant", "   ", "req_1")

	entries := m.List()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Role != "user" || entries[0].Content != "hello" || entries[0].RequestID != "req_1" {
		t.Fatalf("first entry = %#v", entries[0])
	}
	if entries[1].Role != "assistant" || entries[1].Content != "hi" {
		t.Fatalf("second entry = %#v", entries[1])
	}

	m.Clear()
	if got := len(m.List()); got != 0 {
		t.Fatalf("len(entries) after clear = %d, want 0", got)
	}
}

func TestMemoryDropsOldestPastLimit(t *testing.T) {
	m := NewMemoryWithLimit(3)
	for i := 0; i < 5; i++ {
		m.Append("user", strconv.Itoa(i), "")
	}

	entries := m.List()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Content != "2" || entries[2].Content != "4" {
		t.Fatalf("entries = %#v", entries)
	}
}

func TestMemoryConcurrentAppend(t *testing.T) {
	m := NewMemory()
	const n = 50

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.Append("user", "hello", "")
		}()
	}
	wg.Wait()

	if got := m.Len(); got != n {
		t.Fatalf("len(entries) = %d, want %d", got, n)
	}
}
