package nim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/agentops/deployops/internal/domain/evidence"
	"github.com/agentops/deployops/internal/domain/memory"
)

// shortlistSize is the number of candidates the lexical stage feeds into
// the reranker.
const shortlistSize = 20

// snippetLen bounds the evidence snippet carried into prompts.
const snippetLen = 200

// Document is one corpus entry available for retrieval.
type Document struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	URL      string            `json:"url,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	embedding []float32
}

// Retriever implements the two-stage retrieval pipeline over an in-memory
// corpus: embed, shortlist by similarity, rerank. The embedding and
// reranking NIMs are optional; without them the shortlist falls back to
// lexical token overlap and reranking is skipped.
type Retriever struct {
	client *Client // nil means lexical-only mode
	log    *slog.Logger

	mu   sync.RWMutex
	docs []*Document
}

// NewRetriever creates a Retriever. Pass a nil client to run without remote
// embedding/reranking endpoints.
func NewRetriever(client *Client, log *slog.Logger) *Retriever {
	return &Retriever{client: client, log: log}
}

// AddDocuments appends documents to the corpus. Safe for concurrent use
// with Retrieve.
func (r *Retriever) AddDocuments(docs ...Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range docs {
		d := docs[i]
		if d.ID == "" {
			d.ID = fmt.Sprintf("doc-%04d", len(r.docs)+1)
		}
		r.docs = append(r.docs, &d)
	}
}

// Len returns the corpus size.
func (r *Retriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Retrieve returns up to k passages ordered by descending score, ties broken
// by source id.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]evidence.Evidence, error) {
	if k < 1 {
		return nil, nil
	}

	r.mu.RLock()
	docs := make([]*Document, len(r.docs))
	copy(docs, r.docs)
	r.mu.RUnlock()

	if len(docs) == 0 {
		r.log.WarnContext(ctx, "retrieval corpus is empty", "query", query)
		return nil, nil
	}

	scored, err := r.shortlist(ctx, query, docs)
	if err != nil {
		return nil, err
	}
	if len(scored) > shortlistSize {
		scored = scored[:shortlistSize]
	}

	if r.client != nil {
		if reranked, err := r.rerank(ctx, query, scored); err != nil {
			// Reranker failure degrades to the shortlist ordering.
			r.log.WarnContext(ctx, "rerank failed, using shortlist order", "error", err)
		} else {
			scored = reranked
		}
	}

	out := make([]evidence.Evidence, 0, k)
	for _, sd := range scored {
		out = append(out, evidence.Evidence{
			Title:   sd.doc.Title,
			Snippet: snippet(sd.doc.Content),
			Source:  sd.doc.ID,
			URL:     sd.doc.URL,
			Score:   sd.score,
		})
	}
	evidence.Sort(out)
	return evidence.Top(out, k), nil
}

type scoredDoc struct {
	doc   *Document
	score float64
}

// shortlist ranks the corpus against the query. With a remote embedding NIM
// the ranking is cosine similarity over cached document vectors; otherwise
// it is lexical token overlap with a small boost for policy-relevant
// document types.
func (r *Retriever) shortlist(ctx context.Context, query string, docs []*Document) ([]scoredDoc, error) {
	if r.client == nil {
		return lexicalShortlist(query, docs), nil
	}

	if err := r.ensureEmbeddings(ctx, docs); err != nil {
		r.log.WarnContext(ctx, "document embedding failed, falling back to lexical shortlist", "error", err)
		return lexicalShortlist(query, docs), nil
	}

	queryVec, err := r.embed(ctx, []string{query}, "query")
	if err != nil {
		r.log.WarnContext(ctx, "query embedding failed, falling back to lexical shortlist", "error", err)
		return lexicalShortlist(query, docs), nil
	}

	scored := make([]scoredDoc, 0, len(docs))
	for _, d := range docs {
		scored = append(scored, scoredDoc{doc: d, score: memory.Cosine(queryVec[0], d.embedding)})
	}
	sortScored(scored)
	return scored, nil
}

func lexicalShortlist(query string, docs []*Document) []scoredDoc {
	scored := make([]scoredDoc, 0, len(docs))
	for _, d := range docs {
		score := 0.3 + 0.5*memory.TokenOverlap(query, d.Title+" "+d.Content)
		switch d.Metadata["doc_type"] {
		case "security", "pricing", "architecture", "deployment":
			score += 0.2
		}
		scored = append(scored, scoredDoc{doc: d, score: score})
	}
	sortScored(scored)
	return scored
}

func sortScored(scored []scoredDoc) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].doc.ID < scored[j].doc.ID
	})
}

// ensureEmbeddings lazily embeds any corpus documents missing a vector,
// batching them into a single call.
func (r *Retriever) ensureEmbeddings(ctx context.Context, docs []*Document) error {
	var pending []*Document
	var inputs []string
	for _, d := range docs {
		if d.embedding == nil {
			pending = append(pending, d)
			inputs = append(inputs, d.Content)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	vectors, err := r.embed(ctx, inputs, "passage")
	if err != nil {
		return err
	}
	if len(vectors) != len(pending) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(pending))
	}

	r.mu.Lock()
	for i, d := range pending {
		d.embedding = vectors[i]
	}
	r.mu.Unlock()
	return nil
}

type embedRequest struct {
	Input     []string `json:"input"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *Retriever) embed(ctx context.Context, inputs []string, inputType string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Input: inputs, InputType: inputType})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	resp, err := r.client.doRequest(ctx, http.MethodPost, "/v1/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	var parsed embedResponse
	if err := unmarshalResponse(resp, &parsed); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

type rankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rankResponse struct {
	Scores       []float64 `json:"scores"`
	RerankScores []float64 `json:"rerank_scores"`
}

// rerank rescores the shortlist with the reranking NIM and reorders it.
func (r *Retriever) rerank(ctx context.Context, query string, scored []scoredDoc) ([]scoredDoc, error) {
	if len(scored) == 0 {
		return scored, nil
	}

	passages := make([]string, len(scored))
	for i, sd := range scored {
		passages[i] = sd.doc.Content
	}

	body, err := json.Marshal(rankRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, fmt.Errorf("marshal rank request: %w", err)
	}

	resp, err := r.client.doRequest(ctx, http.MethodPost, "/v1/ranking", body)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	var parsed rankResponse
	if err := unmarshalResponse(resp, &parsed); err != nil {
		return nil, err
	}

	scores := parsed.Scores
	if len(scores) == 0 {
		scores = parsed.RerankScores
	}
	if len(scores) != len(scored) {
		return nil, fmt.Errorf("rerank score count mismatch: got %d, want %d", len(scores), len(scored))
	}

	out := make([]scoredDoc, len(scored))
	for i, sd := range scored {
		out[i] = scoredDoc{doc: sd.doc, score: scores[i]}
	}
	sortScored(out)
	return out, nil
}

func snippet(content string) string {
	if len(content) <= snippetLen {
		return content
	}
	return content[:snippetLen]
}
