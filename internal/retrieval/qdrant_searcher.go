package retrieval

import (
	"context"
	"fmt"

	qdrantclient "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Payload keys written by the indexer for every chunk point.
const (
	payloadChunkID       = "chunk_id"
	payloadVideoID       = "video_id"
	payloadTenantID      = "tenant_id"
	payloadVideoTitle    = "video_title"
	payloadVideoDuration = "video_duration"
	payloadText          = "text"
	payloadStart         = "start_seconds"
	payloadEnd           = "end_seconds"
)

type pointsSearcher interface {
	Search(ctx context.Context, in *qdrantclient.SearchPoints, opts ...grpc.CallOption) (*qdrantclient.SearchResponse, error)
}

// QdrantSearcher delegates ranking to a Qdrant collection. The video/tenant
// restriction is sent as a must-filter so Qdrant applies it before scoring.
type QdrantSearcher struct {
	points     pointsSearcher
	collection string
	conn       *grpc.ClientConn
}

func NewQdrantSearcher(addr, collection string) (*QdrantSearcher, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &QdrantSearcher{
		points:     qdrantclient.NewPointsClient(conn),
		collection: collection,
		conn:       conn,
	}, nil
}

func (s *QdrantSearcher) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *QdrantSearcher) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]RetrievedChunk, error) {
	if len(embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	opts = opts.normalized()
	floor := float32(opts.SimilarityFloor)

	req := &qdrantclient.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(opts.TopK),
		ScoreThreshold: &floor,
		Filter:         buildFilter(opts),
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	candidates := make([]RetrievedChunk, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		pl := p.GetPayload()
		candidates = append(candidates, RetrievedChunk{
			ChunkID:       pl[payloadChunkID].GetStringValue(),
			VideoID:       pl[payloadVideoID].GetStringValue(),
			VideoTitle:    pl[payloadVideoTitle].GetStringValue(),
			VideoDuration: number(pl[payloadVideoDuration]),
			Text:          pl[payloadText].GetStringValue(),
			StartSeconds:  number(pl[payloadStart]),
			EndSeconds:    number(pl[payloadEnd]),
			Similarity:    float64(p.GetScore()),
		})
	}
	// Qdrant already applied the floor and limit; rank keeps ordering stable on ties.
	return rank(candidates, opts), nil
}

func buildFilter(opts SearchOptions) *qdrantclient.Filter {
	var must []*qdrantclient.Condition
	if len(opts.VideoIDs) > 0 {
		must = append(must, keywordsCondition(payloadVideoID, opts.VideoIDs...))
	}
	if opts.TenantID != "" {
		must = append(must, keywordsCondition(payloadTenantID, opts.TenantID))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrantclient.Filter{Must: must}
}

func keywordsCondition(key string, values ...string) *qdrantclient.Condition {
	return &qdrantclient.Condition{
		ConditionOneOf: &qdrantclient.Condition_Field{
			Field: &qdrantclient.FieldCondition{
				Key: key,
				Match: &qdrantclient.Match{
					MatchValue: &qdrantclient.Match_Keywords{
						Keywords: &qdrantclient.RepeatedStrings{Strings: values},
					},
				},
			},
		},
	}
}

// number reads a payload value written either as double or integer.
func number(v *qdrantclient.Value) float64 {
	if v == nil {
		return 0
	}
	if _, ok := v.GetKind().(*qdrantclient.Value_IntegerValue); ok {
		return float64(v.GetIntegerValue())
	}
	return v.GetDoubleValue()
}
