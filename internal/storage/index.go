package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/bdougie/framesearch/internal/models"
)

// Metric is the similarity metric used by the vector index.
type Metric string

const (
	MetricCosine       Metric = "cosine"
	MetricInnerProduct Metric = "ip"
	MetricL2           Metric = "l2"
)

// ParseMetric accepts the lower-case names as well as Milvus style names (COSINE, IP, L2).
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return MetricCosine, nil
	case "ip", "inner_product":
		return MetricInnerProduct, nil
	case "l2", "euclidean":
		return MetricL2, nil
	}
	return "", fmt.Errorf("unknown similarity metric %q", s)
}

// operator returns the pgvector distance operator, the score expression (higher is more
// similar) and the operator class used for the ANN index.
func (m Metric) operator() (op, score, opsClass string) {
	switch m {
	case MetricInnerProduct:
		// <#> is the negative inner product.
		return "<#>", "(embedding <#> $1) * -1", "vector_ip_ops"
	case MetricL2:
		return "<->", "(embedding <-> $1) * -1", "vector_l2_ops"
	default:
		return "<=>", "1 - (embedding <=> $1)", "vector_cosine_ops"
	}
}

// IndexType selects how the embedding column is indexed.
type IndexType string

const (
	// IndexFlat has no ANN index; every search is an exact scan.
	IndexFlat    IndexType = "flat"
	IndexIVFFlat IndexType = "ivfflat"
	IndexHNSW    IndexType = "hnsw"
)

// ParseIndexType accepts the names above in any case. Empty means flat.
func ParseIndexType(s string) (IndexType, error) {
	switch t := IndexType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return IndexFlat, nil
	case IndexFlat, IndexIVFFlat, IndexHNSW:
		return t, nil
	}
	return "", fmt.Errorf("unknown index type %q", s)
}

const (
	defaultLists = 100
	// maxEfSearch is the largest hnsw.ef_search pgvector accepts.
	maxEfSearch = 1000
)

// IndexConfig configures the pgvector-backed similarity search.
type IndexConfig struct {
	Table      string `mapstructure:"table" yaml:"table"`
	Metric     string `mapstructure:"metric" yaml:"metric"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"`
	Type       string `mapstructure:"type" yaml:"type"`
	// Lists is the ivfflat list count used when the index is created.
	Lists int `mapstructure:"lists" yaml:"lists"`
	// Probes sets ivfflat.probes for each search when positive.
	Probes int `mapstructure:"probes" yaml:"probes"`
	// EfSearch is the floor for hnsw.ef_search; each search raises it to top_k.
	EfSearch int `mapstructure:"ef_search" yaml:"ef_search"`
	// IterativeScan keeps ANN scans going until enough rows pass the exclusion
	// filter. Needs pgvector 0.8 or newer.
	IterativeScan bool `mapstructure:"iterative_scan" yaml:"iterative_scan"`
}

// PostgresIndex runs similarity searches over the keyframe embedding table.
type PostgresIndex struct {
	pg            *Postgres
	table         string
	metric        Metric
	indexType     IndexType
	dims          int
	lists         int
	probes        int
	efSearch      int
	iterativeScan bool
	searchSQL     string
}

// NewPostgresIndex prepares an index client. It does not touch the database.
func NewPostgresIndex(pg *Postgres, config IndexConfig) (*PostgresIndex, error) {
	metric, err := ParseMetric(config.Metric)
	if err != nil {
		return nil, err
	}
	indexType, err := ParseIndexType(config.Type)
	if err != nil {
		return nil, err
	}
	table := config.Table
	if table == "" {
		table = "keyframe_embeddings"
	}
	lists := config.Lists
	if lists <= 0 {
		lists = defaultLists
	}

	return &PostgresIndex{
		pg:            pg,
		table:         table,
		metric:        metric,
		indexType:     indexType,
		dims:          config.Dimensions,
		lists:         lists,
		probes:        config.Probes,
		efSearch:      config.EfSearch,
		iterativeScan: config.IterativeScan,
		searchSQL:     buildSearchSQL(table, metric),
	}, nil
}

// settingsFor returns the SET LOCAL statements run before a search for topK rows.
// The exclusion filter is applied after the ANN scan, so the scan must be allowed
// to visit at least topK rows and, with IterativeScan, to keep going past excluded ones.
func (ix *PostgresIndex) settingsFor(topK int) []string {
	var settings []string
	switch ix.indexType {
	case IndexHNSW:
		ef := min(max(ix.efSearch, topK), maxEfSearch)
		settings = append(settings, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef))
		if ix.iterativeScan {
			settings = append(settings, "SET LOCAL hnsw.iterative_scan = strict_order")
		}
	case IndexIVFFlat:
		if ix.probes > 0 {
			settings = append(settings, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", ix.probes))
		}
		if ix.iterativeScan {
			// ivfflat only supports relaxed order; the caller re-sorts by score.
			settings = append(settings, "SET LOCAL ivfflat.iterative_scan = relaxed_order")
		}
	}
	return settings
}

// indexDDL returns the CREATE INDEX statement for the configured type, or "" for flat.
func (ix *PostgresIndex) indexDDL() string {
	_, _, opsClass := ix.metric.operator()
	name, table := quoteIdent(ix.table+"_embedding_idx"), quoteIdent(ix.table)
	switch ix.indexType {
	case IndexHNSW:
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding %s)`,
			name, table, opsClass)
	case IndexIVFFlat:
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding %s) WITH (lists = %d)`,
			name, table, opsClass, ix.lists)
	}
	return ""
}

func buildSearchSQL(table string, metric Metric) string {
	op, score, _ := metric.operator()
	return fmt.Sprintf(`SELECT key, %s AS score
        FROM %s
        WHERE NOT (key = ANY($2))
        ORDER BY embedding %s $1, key
        LIMIT $3`, score, quoteIdent(table), op)
}

// Search returns up to req.TopK candidates, best first, skipping req.Exclude inside the query.
func (ix *PostgresIndex) Search(ctx context.Context, req models.SearchRequest) ([]models.Candidate, error) {
	if len(req.Embedding) == 0 {
		return nil, errors.New("empty query embedding")
	}
	if ix.dims > 0 && len(req.Embedding) != ix.dims {
		return nil, errors.Errorf("query embedding has %d dimensions, index expects %d", len(req.Embedding), ix.dims)
	}
	if req.TopK <= 0 {
		return nil, errors.Errorf("invalid top_k %d", req.TopK)
	}

	tx, err := ix.pg.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin search transaction")
	}
	defer tx.Rollback(ctx)

	for _, stmt := range ix.settingsFor(req.TopK) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, errors.Wrapf(err, "failed to apply %q", stmt)
		}
	}

	rows, err := tx.Query(ctx, ix.searchSQL,
		pgvector.NewVector(req.Embedding), keysToInt64(req.Exclude), req.TopK)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search similar keyframes")
	}
	defer rows.Close()

	candidates := make([]models.Candidate, 0, req.TopK)
	for rows.Next() {
		var key int64
		var score float64
		if err := rows.Scan(&key, &score); err != nil {
			return nil, errors.Wrap(err, "failed to scan search results")
		}
		candidates = append(candidates, models.Candidate{Key: models.Key(key), Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read search results")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit search transaction")
	}
	return candidates, nil
}

// AllKeys lists every key present in the index
func (ix *PostgresIndex) AllKeys(ctx context.Context) ([]models.Key, error) {
	rows, err := ix.pg.pool.Query(ctx, fmt.Sprintf("SELECT key FROM %s ORDER BY key", quoteIdent(ix.table)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list index keys")
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Key, error) {
		var k int64
		err := row.Scan(&k)
		return models.Key(k), err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan index keys")
	}
	return keys, nil
}

// InitSchema creates the embedding table and, unless the index type is flat, its ANN
// index if they don't exist.
// Loading embeddings into the table is done by the ingestion pipeline, not here.
func (ix *PostgresIndex) InitSchema(ctx context.Context) error {
	if ix.dims <= 0 {
		return errors.New("index dimensions must be set to create the embedding table")
	}
	if err := ix.pg.EnsureVectorExtension(ctx); err != nil {
		return err
	}

	_, err := ix.pg.pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            key BIGINT PRIMARY KEY,
            embedding vector(%d) NOT NULL
        )`, quoteIdent(ix.table), ix.dims))
	if err != nil {
		return tableDDLError(ix.table, err)
	}

	ddl := ix.indexDDL()
	if ddl == "" {
		return nil
	}
	if _, err := ix.pg.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrap(err, "failed to create embedding index")
	}
	return nil
}
