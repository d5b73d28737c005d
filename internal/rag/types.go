package rag

// State is a step of the retrieval state machine.
type State string

const (
	StateEmbedding        State = "embedding"
	StateSearching        State = "searching"
	StateContextAssembled State = "context_assembled"
	StateNoContext        State = "no_context"
	StateUnavailable      State = "unavailable"
)

const (
	// DefaultTopK is used when a request leaves TopK unset.
	DefaultTopK = 5
	// MaxTopK caps the number of chunks a request may retrieve.
	MaxTopK = 20
	// candidateFactor widens the search so category filtering still fills TopK.
	candidateFactor = 2
	// maxContextChunks is how many chunks are given to the language model.
	maxContextChunks = 3
	// maxPassageRunes caps the length of each passage in the prompt.
	maxPassageRunes = 1000
)

// Supported answer languages.
const (
	LanguageEnglish = "en"
	LanguageArabic  = "ar"
)

// RetrieveRequest asks for the chunks most relevant to a question.
type RetrieveRequest struct {
	TenantID int64
	Question string
	// Category keeps only chunks whose metadata category matches. Empty keeps all.
	Category string
	// TopK is clamped to [1, MaxTopK]; zero means DefaultTopK.
	TopK int
}

// RetrievedChunk is a chunk returned by Retrieve.
type RetrievedChunk struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]any
}

// Retrieval is the outcome of Retrieve.
type Retrieval struct {
	State  State
	Chunks []RetrievedChunk
}

// Source identifies a chunk used to produce an answer.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id,omitempty"`
	Filename   string  `json:"filename"`
	Category   string  `json:"category"`
	Score      float64 `json:"score"`
}

// AnswerResult is a generated answer with its provenance.
type AnswerResult struct {
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
	// HasContext is false when no relevant chunk was found and the answer
	// is the fixed insufficient-information message.
	HasContext bool `json:"has_context"`
}

// AskRequest is a question answered by retrieval followed by generation.
type AskRequest struct {
	TenantID int64
	Question string
	Category string
	TopK     int
	// Language is "en" or "ar"; anything else falls back to the engine default.
	Language string
}
