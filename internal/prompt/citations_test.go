package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/retrieval"
)

func TestExtractCitations_MapsOnlySuppliedChunks(t *testing.T) {
	chunks := []retrieval.RetrievedChunk{
		{ChunkID: "c1", VideoID: "v1", VideoTitle: "Greeks 101", VideoDuration: 600, StartSeconds: 72, EndSeconds: 95},
		{ChunkID: "c2", VideoID: "v1", VideoTitle: "Greeks 101", VideoDuration: 600, StartSeconds: 300, EndSeconds: 330},
	}
	answer := "Delta measures price sensitivity [Greeks 101 @ 01:20]. " +
		"See also [greeks  101 @ 1:20] and [Options Basics @ 02:00]. " +
		"Later [Greeks 101 @ 04:00]."

	refs := ExtractCitations(answer, chunks)
	require.Len(t, refs, 2)
	assert.Equal(t, retrieval.VideoReference{VideoID: "v1", Timestamp: 80, Title: "Greeks 101"}, refs[0])
	// 04:00 is outside both spans; nearest is c2, snapped to its start
	assert.Equal(t, 300.0, refs[1].Timestamp)
}

func TestExtractCitations_ClampsToDuration(t *testing.T) {
	chunks := []retrieval.RetrievedChunk{
		{ChunkID: "c1", VideoID: "v1", VideoTitle: "Short", VideoDuration: 45, StartSeconds: 30, EndSeconds: 50},
	}
	refs := ExtractCitations("[Short @ 00:49]", chunks)
	require.Len(t, refs, 1)
	assert.Equal(t, 45.0, refs[0].Timestamp)
}

func TestExtractCitations_NoChunksNoReferences(t *testing.T) {
	assert.Empty(t, ExtractCitations("[Greeks 101 @ 01:20]", nil))
	assert.Empty(t, ExtractCitations("no markers here", []retrieval.RetrievedChunk{{VideoTitle: "x"}}))
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]float64{"01:12": 72, "1:12": 72, "75:00": 4500, "1:01:05": 3665}
	for in, want := range cases {
		got, ok := ParseTimestamp(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"1:60", "abc", "12", "1:2:3:4"} {
		_, ok := ParseTimestamp(bad)
		assert.False(t, ok, bad)
	}
}
