package db

import (
	"fmt"
	"time"
)

// ContentType classifies a chunk by its vocabulary.
type ContentType string

const (
	ContentProcedure ContentType = "procedure"
	ContentTheory    ContentType = "theory"
	ContentPoints    ContentType = "points"
	ContentGeneral   ContentType = "general"
)

// StoredDocument is the metadata kept for one ingested document
type StoredDocument struct {
	ID             string    `json:"id"`
	FileName       string    `json:"fileName"`
	Title          string    `json:"title"`
	UploadedAt     time.Time `json:"uploadedAt"`
	PageCount      int       `json:"pageCount"`
	ChunkCount     int       `json:"chunkCount"`
	EmbeddedChunks int       `json:"embeddedChunks"`
	DocType        string    `json:"docType"`
	Tags           []string  `json:"tags,omitempty"`
	Summary        string    `json:"summary"`
}

// DocumentChunk is the smallest searchable unit of a document
type DocumentChunk struct {
	ID            string      `json:"id"`
	DocumentID    string      `json:"documentId"`
	DocumentTitle string      `json:"documentTitle"`
	Page          int         `json:"page"`
	Index         int         `json:"index"`
	Content       string      `json:"content"`
	ContentType   ContentType `json:"contentType"`
	Keywords      []string    `json:"keywords"`
	Embedding     []float32   `json:"embedding,omitempty"`
}

// HasEmbedding reports whether a vector is attached.
func (c DocumentChunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// ChunkID builds the deterministic chunk identity.
func ChunkID(documentID string, page, index int) string {
	return fmt.Sprintf("%s_p%d_c%d", documentID, page, index)
}
