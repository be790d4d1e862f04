package pipeline

import (
	"context"
	"strings"
)

// Document is one retrieved knowledge-base entry.
type Document struct {
	Content string
	Source  string
}

// Retriever finds documents relevant to a query, already scoped to the
// caller's content filter. The concrete vector store lives behind this
// interface; the core only consumes it.
type Retriever interface {
	Search(ctx context.Context, query string) ([]Document, error)
}

// RetrieverFactory builds a retriever scoped to one user's space filter.
// An empty filter means unrestricted access.
type RetrieverFactory func(spaceIDs []string) Retriever

// StaticRetriever serves a fixed document set with naive substring
// matching. Used in development and tests when no vector store is wired.
type StaticRetriever struct {
	docs []Document
}

// NewStaticRetriever creates a retriever over a fixed corpus.
func NewStaticRetriever(docs []Document) *StaticRetriever {
	return &StaticRetriever{docs: docs}
}

// Search returns documents whose content shares a term with the query.
func (r *StaticRetriever) Search(_ context.Context, query string) ([]Document, error) {
	var hits []Document
	for _, doc := range r.docs {
		for _, term := range strings.Fields(strings.ToLower(query)) {
			if strings.Contains(strings.ToLower(doc.Content), term) {
				hits = append(hits, doc)
				break
			}
		}
	}
	return hits, nil
}

// NoRetriever always returns no documents.
type NoRetriever struct{}

// Search returns nothing.
func (NoRetriever) Search(context.Context, string) ([]Document, error) {
	return nil, nil
}
