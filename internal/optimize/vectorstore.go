package optimize

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
)

// VectorRecord is one retrievable candidate in the vector store: a doc or a
// prior conversation fragment, along with its embedding and owning tenant
// (4.5).
type VectorRecord struct {
	ID        string
	TenantID  string
	Kind      Kind
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// VectorMatch is one ranked result from a Search call.
type VectorMatch struct {
	Record     VectorRecord
	Similarity float64
}

// VectorStore persists embeddings for semantic retrieval. It prefers a
// sqlite-vec ANN index and transparently falls back to brute-force cosine
// scan (scoped by tenant) when the extension could not be loaded, so the
// selector never has to know which path served a query.
type VectorStore struct {
	db      *sql.DB
	dim     int
	vecMode bool
}

// NewVectorStore opens (or creates) the vector store schema against db and
// attempts to initialize a sqlite-vec ANN index for the given embedding
// dimensionality. On failure to create the virtual table, the store
// silently falls back to brute-force search.
func NewVectorStore(db *sql.DB, dim int) (*VectorStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS optimize_vectors (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		embedding BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("optimize: creating vector store schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_optimize_vectors_tenant ON optimize_vectors(tenant_id)`); err != nil {
		return nil, fmt.Errorf("optimize: creating tenant index: %w", err)
	}

	vs := &VectorStore{db: db, dim: dim}
	vs.initANNIndex(dim)
	return vs, nil
}

func (vs *VectorStore) initANNIndex(dim int) {
	if dim <= 0 {
		return
	}
	stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS optimize_vec_index USING vec0(embedding float[%d], rec_id TEXT)", dim)
	if _, err := vs.db.Exec(stmt); err == nil {
		vs.vecMode = true
	}
}

// Upsert stores or replaces rec.
func (vs *VectorStore) Upsert(rec VectorRecord) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("optimize: marshaling vector record metadata: %w", err)
	}

	if _, err := vs.db.Exec(
		`INSERT OR REPLACE INTO optimize_vectors (id, tenant_id, kind, content, metadata, embedding) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, string(rec.Kind), rec.Content, string(metaJSON), encodeVector(rec.Embedding),
	); err != nil {
		return fmt.Errorf("optimize: storing vector record: %w", err)
	}

	if vs.vecMode {
		_, _ = vs.db.Exec(
			`INSERT OR REPLACE INTO optimize_vec_index (rowid, embedding, rec_id) VALUES (
				(SELECT rowid FROM optimize_vec_index WHERE rec_id = ?), ?, ?)`,
			rec.ID, encodeVector(rec.Embedding), rec.ID,
		)
	}
	return nil
}

// Search returns the top-k records scoped to tenantID ranked by similarity
// to query, using the ANN index when available and a brute-force scan
// otherwise.
func (vs *VectorStore) Search(tenantID string, query []float32, k int) ([]VectorMatch, error) {
	if k <= 0 {
		k = 10
	}
	if vs.vecMode {
		matches, err := vs.searchANN(tenantID, query, k)
		if err == nil {
			return matches, nil
		}
		// Fall through to brute force on ANN query failure; this keeps the
		// selector's view of the store degraded rather than failing.
	}
	return vs.searchBruteForce(tenantID, query, k)
}

func (vs *VectorStore) searchANN(tenantID string, query []float32, k int) ([]VectorMatch, error) {
	rows, err := vs.db.Query(
		`SELECT v.id, v.tenant_id, v.kind, v.content, v.metadata, v.embedding,
		        vec_distance_cosine(i.embedding, ?) AS dist
		 FROM optimize_vec_index i
		 JOIN optimize_vectors v ON v.id = i.rec_id
		 WHERE v.tenant_id = ?
		 ORDER BY dist ASC
		 LIMIT ?`,
		encodeVector(query), tenantID, k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

func (vs *VectorStore) searchBruteForce(tenantID string, query []float32, k int) ([]VectorMatch, error) {
	rows, err := vs.db.Query(
		`SELECT id, tenant_id, kind, content, metadata, embedding FROM optimize_vectors WHERE tenant_id = ?`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("optimize: scanning vector store: %w", err)
	}
	defer rows.Close()

	var all []VectorMatch
	for rows.Next() {
		var rec VectorRecord
		var kind, metaJSON string
		var embBlob []byte
		if err := rows.Scan(&rec.ID, &rec.TenantID, &kind, &rec.Content, &metaJSON, &embBlob); err != nil {
			continue
		}
		rec.Kind = Kind(kind)
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		rec.Embedding = decodeVector(embBlob)

		sim, err := CosineSimilarity(query, rec.Embedding)
		if err != nil {
			continue
		}
		all = append(all, VectorMatch{Record: rec, Similarity: sim})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

func scanMatches(rows *sql.Rows) ([]VectorMatch, error) {
	var out []VectorMatch
	for rows.Next() {
		var rec VectorRecord
		var kind, metaJSON string
		var embBlob []byte
		var dist float64
		if err := rows.Scan(&rec.ID, &rec.TenantID, &kind, &rec.Content, &metaJSON, &embBlob, &dist); err != nil {
			continue
		}
		rec.Kind = Kind(kind)
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		rec.Embedding = decodeVector(embBlob)
		out = append(out, VectorMatch{Record: rec, Similarity: 1 - dist})
	}
	return out, nil
}

func encodeVector(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func decodeVector(blob []byte) []float32 {
	n := len(blob) / 4
	vec := make([]float32, n)
	_ = binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec)
	return vec
}
