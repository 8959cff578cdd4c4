package retrieval

import (
	"context"

	"gorm.io/gorm"
)

// DBSearcher ranks chunks stored in the relational database. The video/tenant
// filter is part of the SQL query, so ranking only ever sees eligible chunks.
type DBSearcher struct {
	db *gorm.DB
}

func NewDBSearcher(db *gorm.DB) *DBSearcher {
	return &DBSearcher{db: db}
}

type chunkRow struct {
	Chunk
	VideoTitle    string
	VideoDuration float64
}

func (s *DBSearcher) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]RetrievedChunk, error) {
	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	opts = opts.normalized()

	q := s.db.WithContext(ctx).
		Table("video_chunks").
		Select("video_chunks.*, videos.title AS video_title, videos.duration_seconds AS video_duration").
		Joins("JOIN videos ON videos.id = video_chunks.video_id")
	if len(opts.VideoIDs) > 0 {
		q = q.Where("video_chunks.video_id IN ?", opts.VideoIDs)
	}
	if opts.TenantID != "" {
		q = q.Where("videos.tenant_id = ?", opts.TenantID)
	}

	var rows []chunkRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	candidates := make([]RetrievedChunk, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, RetrievedChunk{
			ChunkID:       r.ID,
			VideoID:       r.VideoID,
			VideoTitle:    r.VideoTitle,
			VideoDuration: r.VideoDuration,
			Text:          r.Text,
			StartSeconds:  r.StartSeconds,
			EndSeconds:    r.EndSeconds,
			Similarity:    CosineSimilarity(embedding, r.Embedding),
		})
	}
	return rank(candidates, opts), nil
}
