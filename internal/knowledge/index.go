package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rand/gamemaster/internal/knowledge/embeddings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultAlpha       = 0.7 // semantic weight in rank fusion
	defaultRRFConstant = 60
	defaultTopK        = 5
)

// OpenDB opens the knowledge database at path and applies migrations.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create knowledge directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open knowledge database: %w", err)
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply knowledge migrations: %w", err)
	}
	return db, nil
}

// Document is a unit of source text submitted for ingestion.
type Document struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id,omitempty"`
	Title      string `json:"title"`
	Ruleset    string `json:"ruleset,omitempty"`
	Kind       string `json:"kind"`
	Text       string `json:"text"`
}

// IndexConfig configures an Index.
type IndexConfig struct {
	// Collection separates corpora stored in the same database.
	Collection string

	Provider      embeddings.Provider // Required
	ChunkMaxChars int                 // default: 1200
	ChunkOverlap  int                 // default: 120
	BatchSize     int                 // texts per embed call (default: 32)
	Workers       int                 // background ingest workers (default: 2)
	QueueSize     int                 // background queue depth (default: 100)
	Logger        *slog.Logger
}

// Index stores chunked documents with embeddings and answers hybrid
// keyword and semantic queries.
type Index struct {
	db         *sql.DB
	collection string
	provider   embeddings.Provider
	cfg        IndexConfig
	logger     *slog.Logger

	background chan ingestRequest
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

var _ Gateway = (*Index)(nil)

type ingestRequest struct {
	doc  Document
	done chan error // optional, for IngestSync
}

// NewIndex creates an index over db and starts its ingest workers.
func NewIndex(db *sql.DB, cfg IndexConfig) (*Index, error) {
	if cfg.Provider == nil {
		return nil, errors.New("embedding provider required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "game"
	}
	if cfg.ChunkMaxChars <= 0 {
		cfg.ChunkMaxChars = defaultChunkMaxChars
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = defaultChunkOverlap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	idx := &Index{
		db:         db,
		collection: cfg.Collection,
		provider:   cfg.Provider,
		cfg:        cfg,
		logger:     cfg.Logger.With("collection", cfg.Collection),
		background: make(chan ingestRequest, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		idx.wg.Add(1)
		go idx.worker()
	}
	return idx, nil
}

// IngestAsync queues a document for background ingestion. It reports false
// when the queue is full and the document was dropped.
func (idx *Index) IngestAsync(doc Document) bool {
	select {
	case idx.background <- ingestRequest{doc: doc}:
		return true
	default:
		idx.logger.Warn("ingest queue full, dropping document", "doc_id", doc.ID)
		return false
	}
}

// IngestSync queues a document and waits for it to be stored.
func (idx *Index) IngestSync(ctx context.Context, doc Document) error {
	done := make(chan error, 1)
	select {
	case idx.background <- ingestRequest{doc: doc, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of documents waiting to be ingested.
func (idx *Index) QueueDepth() int {
	return len(idx.background)
}

// Close stops the workers after draining queued documents. The database is
// owned by the caller.
func (idx *Index) Close() error {
	idx.closeOnce.Do(func() { close(idx.done) })
	idx.wg.Wait()
	return nil
}

func (idx *Index) worker() {
	defer idx.wg.Done()

	handle := func(req ingestRequest) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		err := idx.ingest(ctx, req.doc)
		cancel()
		if err != nil {
			idx.logger.Error("ingest failed", "doc_id", req.doc.ID, "error", err)
		}
		if req.done != nil {
			req.done <- err
		}
	}

	for {
		select {
		case <-idx.done:
			for {
				select {
				case req := <-idx.background:
					handle(req)
				default:
					return
				}
			}
		case req := <-idx.background:
			handle(req)
		}
	}
}

type pendingChunk struct {
	seq       int
	text      string
	chunkType ChunkType
	vec       embeddings.Vector
}

func (idx *Index) ingest(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return errors.New("document id required")
	}
	start := time.Now()

	texts := ChunkText(doc.Text, idx.cfg.ChunkMaxChars, idx.cfg.ChunkOverlap)
	chunks := make([]pendingChunk, len(texts))
	for i, t := range texts {
		chunks[i] = pendingChunk{seq: i, text: t, chunkType: ClassifyChunk(t, doc.Kind)}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for lo := 0; lo < len(chunks); lo += idx.cfg.BatchSize {
		hi := min(lo+idx.cfg.BatchSize, len(chunks))
		g.Go(func() error {
			batch := texts[lo:hi]
			vecs, err := idx.provider.Embed(gctx, batch)
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", lo, hi, err)
			}
			for i, v := range vecs {
				chunks[lo+i].vec = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, idx.collection, doc.ID); err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, campaign_id, title, ruleset, doc_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		idx.collection, doc.ID, doc.CampaignID, doc.Title, doc.Ruleset, doc.Kind, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, collection, doc_id, campaign_id, seq, chunk_type, ruleset, doc_kind, text, embedding, model)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), idx.collection, doc.ID, doc.CampaignID, c.seq, string(c.chunkType),
			doc.Ruleset, doc.Kind, c.text, embeddings.Encode(c.vec), idx.provider.Model()); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	idx.logger.Info("document ingested",
		"doc_id", doc.ID,
		"chunks", len(chunks),
		"duration", time.Since(start))
	return nil
}

type candidate struct {
	passage Passage
	vec     embeddings.Vector
}

// Retrieve implements Gateway with reciprocal rank fusion of keyword and
// semantic rankings over the filtered candidate set.
func (idx *Index) Retrieve(ctx context.Context, q Query) ([]Passage, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	cands, err := idx.candidates(ctx, q.Filters)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, nil
	}

	keyword := rankKeyword(q.Text, cands)

	var semantic []int
	vecs, err := idx.provider.Embed(ctx, []string{q.Text})
	if err != nil || len(vecs) == 0 {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		idx.logger.Warn("semantic search failed, falling back to keyword", "error", err)
	} else {
		semantic = rankSemantic(vecs[0], cands)
	}

	fused := fuse(keyword, semantic, defaultAlpha, defaultRRFConstant)
	out := make([]Passage, 0, min(topK, len(fused)))
	for _, r := range fused {
		if len(out) == topK {
			break
		}
		p := cands[r.idx].passage
		p.Score = r.score
		out = append(out, p)
	}
	return out, nil
}

func (idx *Index) candidates(ctx context.Context, f Filters) ([]candidate, error) {
	query := `SELECT id, doc_id, seq, chunk_type, text, embedding, model FROM chunks WHERE collection = ? AND campaign_id IN ('', ?)`
	args := []any{idx.collection, f.CampaignID}
	if f.Ruleset != "" {
		query += ` AND ruleset IN ('', ?)`
		args = append(args, f.Ruleset)
	}
	if f.DocKind != "" {
		query += ` AND doc_kind = ?`
		args = append(args, f.DocKind)
	}
	if len(f.ChunkTypes) > 0 {
		query += ` AND chunk_type IN (?` + strings.Repeat(`, ?`, len(f.ChunkTypes)-1) + `)`
		for _, ct := range f.ChunkTypes {
			args = append(args, string(ct))
		}
	}
	query += ` ORDER BY doc_id, seq`

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query chunks: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			c         candidate
			chunkType string
			blob      []byte
			model     string
		)
		if err := rows.Scan(&c.passage.ID, &c.passage.DocID, &c.passage.Seq, &chunkType, &c.passage.Text, &blob, &model); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if !matchDocID(f.DocIDs, c.passage.DocID) {
			continue
		}
		c.passage.ChunkType = ChunkType(chunkType)
		if model == idx.provider.Model() {
			if c.vec, err = embeddings.Decode(blob, idx.provider.Dimensions()); err != nil {
				idx.logger.Debug("stored embedding unusable", "chunk", c.passage.ID, "error", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func matchDocID(patterns []string, docID string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, docID); err == nil && ok {
			return true
		}
	}
	return false
}

// rankKeyword returns candidate indexes with at least one query term, best
// first.
func rankKeyword(text string, cands []candidate) []int {
	terms := make(map[string]struct{})
	for _, t := range embeddings.Tokenize(text) {
		if len(t) > 2 {
			terms[t] = struct{}{}
		}
	}
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, c := range cands {
		seen := make(map[string]struct{})
		for _, w := range embeddings.Tokenize(c.passage.Text) {
			if _, ok := terms[w]; ok {
				seen[w] = struct{}{}
			}
		}
		if len(seen) > 0 {
			hits = append(hits, scored{i, len(seen)})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.idx
	}
	return out
}

// rankSemantic orders the candidates that carry an embedding from the
// current model. The others only rank by keyword.
func rankSemantic(q embeddings.Vector, cands []candidate) []int {
	sims := make([]float32, len(cands))
	order := make([]int, 0, len(cands))
	for i, c := range cands {
		if c.vec == nil {
			continue
		}
		sims[i] = embeddings.Relevance(q, c.vec)
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool { return sims[order[a]] > sims[order[b]] })
	return order
}

type fusedRank struct {
	idx   int
	score float64
}

// fuse combines two ranked lists using weighted reciprocal rank fusion:
// score(d) = (1-alpha)/(k+rank_kw(d)) + alpha/(k+rank_sem(d)).
func fuse(keyword, semantic []int, alpha float64, k int) []fusedRank {
	if len(semantic) == 0 {
		alpha = 0
	}
	scores := make(map[int]float64)
	for rank, i := range keyword {
		scores[i] += (1 - alpha) / float64(k+rank+1)
	}
	for rank, i := range semantic {
		scores[i] += alpha / float64(k+rank+1)
	}

	out := make([]fusedRank, 0, len(scores))
	for i, s := range scores {
		out = append(out, fusedRank{idx: i, score: s})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].score != out[b].score {
			return out[a].score > out[b].score
		}
		return out[a].idx < out[b].idx
	})
	return out
}
