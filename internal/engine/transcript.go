package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// transcriptState is the handle issued by Transcripts.
type transcriptState struct {
	id string
}

func (s transcriptState) ID() string { return s.id }

// Transcripts is the state table used by adapters whose backend is a
// stateless text completion API: the execution state is the text evaluated
// so far, replayed as the prompt on every generation.
type Transcripts struct {
	prefix string
	limit  int

	mu    sync.Mutex
	texts map[string]*strings.Builder
}

// NewTranscripts creates a table. limit caps live states (0 = unlimited).
func NewTranscripts(prefix string, limit int) *Transcripts {
	return &Transcripts{
		prefix: prefix,
		limit:  limit,
		texts:  make(map[string]*strings.Builder),
	}
}

// Allocate issues an empty transcript.
func (t *Transcripts) Allocate() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && len(t.texts) >= t.limit {
		return nil, ErrNoCapacity
	}
	st := transcriptState{id: fmt.Sprintf("%s-%s", t.prefix, uuid.NewString())}
	t.texts[st.id] = &strings.Builder{}
	return st, nil
}

// Append extends the transcript of st.
func (t *Transcripts) Append(st State, text string) error {
	if st == nil {
		return ErrUnknownState
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.texts[st.ID()]
	if !ok {
		return ErrUnknownState
	}
	b.WriteString(text)
	return nil
}

// Text returns the transcript of st.
func (t *Transcripts) Text(st State) (string, error) {
	if st == nil {
		return "", ErrUnknownState
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.texts[st.ID()]
	if !ok {
		return "", ErrUnknownState
	}
	return b.String(), nil
}

// Release drops st.
func (t *Transcripts) Release(st State) error {
	if st == nil {
		return ErrUnknownState
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.texts[st.ID()]; !ok {
		return ErrUnknownState
	}
	delete(t.texts, st.ID())
	return nil
}

// Len returns the number of live transcripts.
func (t *Transcripts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.texts)
}

// CutAtStop truncates text at the earliest stop sequence. Remote backends
// do not all honour stop sequences, so adapters apply them again locally.
func CutAtStop(text string, stop []string) string {
	cut := len(text)
	for _, s := range stop {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	return text[:cut]
}
