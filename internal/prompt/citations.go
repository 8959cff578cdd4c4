package prompt

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/retrieval"
)

var citationRe = regexp.MustCompile(`\[([^\[\]@]+?)\s*@\s*((?:\d+:)?\d{1,2}:\d{2})\]`)

// ExtractCitations maps [Title @ mm:ss] markers in answer onto the chunks that
// were in the prompt. Markers naming a video that was not supplied are
// dropped. A timestamp outside every supplied span of that video snaps to the
// nearest chunk start. Results are clamped to the video duration and
// de-duplicated in order of first appearance.
func ExtractCitations(answer string, chunks []retrieval.RetrievedChunk) []retrieval.VideoReference {
	if len(chunks) == 0 {
		return nil
	}

	byTitle := make(map[string][]retrieval.RetrievedChunk)
	for _, c := range chunks {
		t := titleKey(c.VideoTitle)
		byTitle[t] = append(byTitle[t], c)
	}

	type refKey struct {
		video string
		ts    int
	}
	seen := make(map[refKey]struct{})
	var out []retrieval.VideoReference

	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		candidates := byTitle[titleKey(m[1])]
		if len(candidates) == 0 {
			continue
		}
		ts, ok := ParseTimestamp(m[2])
		if !ok {
			continue
		}

		c, at := locate(candidates, ts)
		if c.VideoDuration > 0 && at > c.VideoDuration {
			at = c.VideoDuration
		}
		if at < 0 {
			at = 0
		}

		k := refKey{video: c.VideoID, ts: int(at)}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, retrieval.VideoReference{VideoID: c.VideoID, Timestamp: float64(int(at)), Title: c.VideoTitle})
	}
	return out
}

// locate returns the chunk containing ts (with one second of rounding slack)
// or else the chunk whose span is closest, with its start time.
func locate(candidates []retrieval.RetrievedChunk, ts float64) (retrieval.RetrievedChunk, float64) {
	best := candidates[0]
	bestDist := math.Inf(1)
	for _, c := range candidates {
		if ts >= math.Floor(c.StartSeconds)-1 && ts <= math.Ceil(c.EndSeconds)+1 {
			return c, ts
		}
		d := math.Min(math.Abs(ts-c.StartSeconds), math.Abs(ts-c.EndSeconds))
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, best.StartSeconds
}

func titleKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ParseTimestamp reads mm:ss or h:mm:ss into seconds.
func ParseTimestamp(s string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		if i > 0 && n >= 60 {
			return 0, false
		}
		total = total*60 + n
	}
	return float64(total), true
}
