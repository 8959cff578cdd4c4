// Package prompt assembles model-ready requests from retrieved transcript
// chunks and maps the model's citations back onto those chunks.
package prompt

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/ai"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/retrieval"
)

const (
	DefaultMaxHistory    = 10
	DefaultContextTokens = 8192
	DefaultReplyReserve  = 1024

	// per-message framing overhead in the token estimate
	messageOverhead = 4
)

var systemTmpl = template.Must(template.New("system").Parse(
	`You are a patient teaching assistant for an online video course. Explain concepts clearly and check them against the course material provided.
{{if .Grounded}}
Use the course excerpts below to answer. Whenever you rely on an excerpt, cite it in the form [Video Title @ mm:ss] using the exact title and timestamp printed with that excerpt. Only cite excerpts listed below; never invent a video, title or timestamp. If the excerpts do not cover the question, say so before answering from general knowledge.
{{else}}
No course excerpts matched this question. Answer from general knowledge, say that the answer is not drawn from the course videos, and do not include any video citations.
{{end}}`))

var contextTmpl = template.Must(template.New("context").Funcs(template.FuncMap{
	"stamp": FormatTimestamp,
	"inc":   func(i int) int { return i + 1 },
}).Parse(
	`COURSE EXCERPTS:
{{range $i, $c := .}}
Excerpt {{inc $i}}: [{{$c.VideoTitle}} @ {{stamp $c.StartSeconds}}] (relevance {{printf "%.2f" $c.Similarity}})
{{$c.Text}}
{{end}}`))

// Payload is a ready-to-send request plus what survived trimming.
type Payload struct {
	Messages        []ai.Message
	Chunks          []retrieval.RetrievedChunk
	History         []ai.Message
	EstimatedTokens int
}

type Builder struct {
	ContextTokens int
	ReplyReserve  int
}

func NewBuilder(contextTokens int) *Builder {
	if contextTokens <= 0 {
		contextTokens = DefaultContextTokens
	}
	reserve := DefaultReplyReserve
	if reserve > contextTokens/4 {
		reserve = contextTokens / 4
	}
	return &Builder{ContextTokens: contextTokens, ReplyReserve: reserve}
}

// Build keeps the last maxHistory turns, then trims oldest history first and
// lowest-similarity chunks second until the request fits. The question is
// always sent whole.
func (b *Builder) Build(question string, chunks []retrieval.RetrievedChunk, history []ai.Message, maxHistory int) Payload {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}

	ranked := append([]retrieval.RetrievedChunk(nil), chunks...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Similarity > ranked[j].Similarity })

	hist := make([]ai.Message, 0, len(history))
	for _, m := range history {
		if m.Role == ai.RoleUser || m.Role == ai.RoleAssistant {
			hist = append(hist, m)
		}
	}
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}

	budget := b.ContextTokens - b.ReplyReserve
	msgs := assemble(question, ranked, hist)
	est := estimate(msgs)
	for est > budget && len(hist) > 0 {
		hist = hist[1:]
		msgs = assemble(question, ranked, hist)
		est = estimate(msgs)
	}
	for est > budget && len(ranked) > 0 {
		ranked = ranked[:len(ranked)-1]
		msgs = assemble(question, ranked, hist)
		est = estimate(msgs)
	}

	return Payload{Messages: msgs, Chunks: ranked, History: hist, EstimatedTokens: est}
}

func assemble(question string, chunks []retrieval.RetrievedChunk, history []ai.Message) []ai.Message {
	msgs := make([]ai.Message, 0, len(history)+3)
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: render(systemTmpl, struct{ Grounded bool }{len(chunks) > 0})})
	if len(chunks) > 0 {
		msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: render(contextTmpl, chunks)})
	}
	msgs = append(msgs, history...)
	return append(msgs, ai.Message{Role: ai.RoleUser, Content: question})
}

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	// templates are static and their inputs are plain structs
	if err := t.Execute(&buf, data); err != nil {
		panic(fmt.Sprintf("prompt: render %s: %v", t.Name(), err))
	}
	return strings.TrimSpace(buf.String())
}

func estimate(msgs []ai.Message) int {
	n := 0
	for _, m := range msgs {
		n += ai.EstimateTokens(m.Content) + messageOverhead
	}
	return n
}

// FormatTimestamp renders seconds as mm:ss, or h:mm:ss past the hour.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int(seconds)
	h, m, sec := s/3600, (s%3600)/60, s%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}
