package domain

// Document is anything a retriever can hand to the context formatter.
type Document interface {
	PageContent() string
}

// Record is a single row returned by a vector index.
type Record struct {
	ID       string
	Text     string
	Metadata map[string]any
	Score    float64
}

func (r Record) PageContent() string {
	return r.Text
}
