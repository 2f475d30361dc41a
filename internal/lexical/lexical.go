// Package lexical implements the LexicalIndex consumed interface (spec §6):
// keyword search backed by bleve. The index uses bleve's default index
// mapping and its standard analyzer; no stemming analyzer and no compound
// expansion are configured, so inflected forms and parts of compounds match
// only where they occur as separate tokens in the text.
package lexical

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
)

// Hit is one lexical search result.
type Hit struct {
	ID    string
	Score float64
	Title string
	Text  string
}

// indexedDoc is the bleve-indexed representation of a passage.
type indexedDoc struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Body    string `json:"body"`
}

// Index wraps an in-memory (or on-disk) bleve index.
type Index struct {
	idx bleve.Index
}

// Open creates or opens a bleve index at path. An empty path creates a
// transient in-memory index, useful for tests.
func Open(path string) (*Index, error) {
	mapping := bleve.NewIndexMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(mapping)
	} else {
		idx, err = bleve.Open(path)
		if err != nil {
			idx, err = bleve.New(path, mapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("lexical.Open: %w", err)
	}
	return &Index{idx: idx}, nil
}

// Close releases the underlying index handle.
func (i *Index) Close() error {
	return i.idx.Close()
}

// Put indexes or re-indexes one document for lexical search.
func (i *Index) Put(id, title, snippet, body string) error {
	doc := indexedDoc{Title: title, Snippet: snippet, Body: body}
	if err := i.idx.Index(id, doc); err != nil {
		return fmt.Errorf("lexical.Put: %w", err)
	}
	return nil
}

// Search accepts a single, possibly-expanded query string and returns up to
// cutoff hits ranked by bleve's TF-IDF score.
func (i *Index) Search(query string, cutoff int) ([]Hit, error) {
	if query == "" {
		return nil, nil
	}

	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, cutoff, 0, false)
	req.Fields = []string{"title", "snippet"}

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("lexical.Search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		var title, text string
		if t, ok := h.Fields["snippet"].(string); ok {
			text = t
		}
		if t, ok := h.Fields["title"].(string); ok {
			title = t
		}
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Title: title, Text: text})
	}
	return hits, nil
}
