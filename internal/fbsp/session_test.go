package fbsp

import (
	"errors"
	"testing"
)

func requestEnv(token uint64, api uint8) Envelope {
	return Envelope{
		Token: TokenFromUint64(token),
		Body:  RequestBody{InterfaceNumber: 1, APICode: api},
	}
}

func TestNoteRequestRejectsDuplicateToken(t *testing.T) {
	s := NewSession("peer")
	if err := s.NoteRequest(requestEnv(1, 1)); err != nil {
		t.Fatalf("NoteRequest: %v", err)
	}
	if err := s.NoteRequest(requestEnv(1, 2)); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestGetHandleIsStablePerToken(t *testing.T) {
	s := NewSession("peer")
	if err := s.NoteRequest(requestEnv(1, 1)); err != nil {
		t.Fatalf("NoteRequest: %v", err)
	}

	h1, err := s.GetHandle(TokenFromUint64(1))
	if err != nil {
		t.Fatalf("GetHandle: %v", err)
	}
	if h1 != 1 {
		t.Fatalf("first handle = %d, want 1", h1)
	}
	h2, err := s.GetHandle(TokenFromUint64(1))
	if err != nil {
		t.Fatalf("GetHandle (repeat): %v", err)
	}
	if h2 != h1 {
		t.Fatalf("repeated GetHandle = %d, want %d", h2, h1)
	}
}

func TestGetHandleUnknownToken(t *testing.T) {
	s := NewSession("peer")
	if _, err := s.GetHandle(TokenFromUint64(5)); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

// Handles must form a bijection with their requests at every moment:
// freed handles are reused by later requests, and no two live requests
// ever share a handle.
func TestHandleBijectionUnderChurn(t *testing.T) {
	s := NewSession("peer")

	for i := uint64(1); i <= 4; i++ {
		if err := s.NoteRequest(requestEnv(i, 1)); err != nil {
			t.Fatalf("NoteRequest(%d): %v", i, err)
		}
	}
	handles := make(map[uint16]uint64)
	for i := uint64(1); i <= 4; i++ {
		h, err := s.GetHandle(TokenFromUint64(i))
		if err != nil {
			t.Fatalf("GetHandle(%d): %v", i, err)
		}
		if owner, dup := handles[h]; dup {
			t.Fatalf("handle %d bound to both token %d and token %d", h, owner, i)
		}
		handles[h] = i
	}
	if s.HandleCount() != 4 {
		t.Fatalf("HandleCount = %d, want 4", s.HandleCount())
	}

	// Release token 2; its handle becomes the smallest free slot.
	s.RequestDone(TokenFromUint64(2))
	if s.HandleCount() != 3 {
		t.Fatalf("HandleCount after release = %d, want 3", s.HandleCount())
	}
	if s.IsHandleValid(2) {
		t.Fatal("released handle still valid")
	}

	if err := s.NoteRequest(requestEnv(5, 1)); err != nil {
		t.Fatalf("NoteRequest(5): %v", err)
	}
	h, err := s.GetHandle(TokenFromUint64(5))
	if err != nil {
		t.Fatalf("GetHandle(5): %v", err)
	}
	if h != 2 {
		t.Fatalf("reallocated handle = %d, want smallest free (2)", h)
	}

	tok, err := s.RequestByHandle(2)
	if err != nil {
		t.Fatalf("RequestByHandle: %v", err)
	}
	if tok.Uint64() != 5 {
		t.Fatalf("handle 2 resolves to token %d, want 5", tok.Uint64())
	}
}

func TestRequestDoneWithoutHandleIsNoop(t *testing.T) {
	s := NewSession("peer")
	if err := s.NoteRequest(requestEnv(1, 1)); err != nil {
		t.Fatalf("NoteRequest: %v", err)
	}
	s.RequestDone(TokenFromUint64(1))
	s.RequestDone(TokenFromUint64(1)) // already gone
	if s.HandleCount() != 0 {
		t.Fatalf("HandleCount = %d, want 0", s.HandleCount())
	}
}

func TestSendQueueFIFO(t *testing.T) {
	s := NewSession("peer")
	s.Enqueue([][]byte{[]byte("a")})
	s.Enqueue([][]byte{[]byte("b")})

	front, ok := s.PeekFront()
	if !ok || string(front[0]) != "a" {
		t.Fatalf("PeekFront = %v, want [a]", front)
	}
	s.PopFront()
	front, ok = s.PeekFront()
	if !ok || string(front[0]) != "b" {
		t.Fatalf("PeekFront after pop = %v, want [b]", front)
	}
	s.PopFront()
	if _, ok := s.PeekFront(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestTokenGeneratorMonotonic(t *testing.T) {
	g := NewTokenGenerator()
	prev := uint64(0)
	for i := 1; i <= 100; i++ {
		tok := g.New()
		v := tok.Uint64()
		if v != prev+1 {
			t.Fatalf("token %d = %d, want %d", i, v, prev+1)
		}
		prev = v
	}
}

func TestSessionTableLifecycle(t *testing.T) {
	tbl := NewSessionTable()
	if _, err := tbl.Get("p1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	s, err := tbl.Create("p1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.State != Fresh {
		t.Fatalf("new session state = %s, want fresh", s.State)
	}
	if _, err := tbl.Create("p1"); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}
	if !tbl.Discard("p1") {
		t.Fatal("Discard returned false for live session")
	}
	if tbl.Discard("p1") {
		t.Fatal("Discard returned true for missing session")
	}
}
