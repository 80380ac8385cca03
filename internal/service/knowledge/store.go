// Package knowledge holds uploaded teaching material that can be pulled into
// a prompt as background context.
package knowledge

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrEmptyDocument = errors.New("knowledge: document has no content")

// Document is one piece of extracted material.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"type"`
	Content   string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snippet is a search hit.
type Snippet struct {
	DocumentID string
	Title      string
	Text       string
	Score      int
}

// Store is the collaborator the orchestrator queries for background context.
type Store interface {
	Add(ctx context.Context, doc Document) (Document, error)
	Search(ctx context.Context, query string, limit int) ([]Snippet, error)
	List(ctx context.Context) ([]Document, error)
}

// MemoryStore scores documents by how many query terms they contain.
type MemoryStore struct {
	mu   sync.RWMutex
	docs []Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(_ context.Context, doc Document) (Document, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return Document{}, ErrEmptyDocument
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.docs = append(s.docs, doc)
	s.mu.Unlock()
	return doc, nil
}

func (s *MemoryStore) Search(_ context.Context, query string, limit int) ([]Snippet, error) {
	terms := queryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Snippet
	for _, doc := range s.docs {
		lower := strings.ToLower(doc.Content)
		score := 0
		for _, term := range terms {
			score += strings.Count(lower, term)
		}
		if score == 0 {
			continue
		}
		hits = append(hits, Snippet{
			DocumentID: doc.ID,
			Title:      doc.Title,
			Text:       excerpt(doc.Content, terms[0], 200),
			Score:      score,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, len(s.docs))
	copy(out, s.docs)
	return out, nil
}

// queryTerms splits on whitespace; CJK text without spaces is matched as
// overlapping bigrams.
func queryTerms(query string) []string {
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(query)) {
		runes := []rune(field)
		if len(runes) <= 2 || isASCII(field) {
			terms = append(terms, field)
			continue
		}
		for i := 0; i+1 < len(runes); i++ {
			terms = append(terms, string(runes[i:i+2]))
		}
	}
	return terms
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func excerpt(content, term string, width int) string {
	runes := []rune(content)
	if len(runes) <= width {
		return content
	}
	idx := strings.Index(strings.ToLower(content), term)
	start := 0
	if idx > 0 {
		start = len([]rune(content[:idx])) - width/4
		if start < 0 {
			start = 0
		}
	}
	end := start + width
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}
