package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
)

var (
	apiURL    = flag.String("api", "http://localhost:8080", "chat API base URL")
	token     = flag.String("token", os.Getenv("CHRONOS_TOKEN"), "bearer token (defaults to $CHRONOS_TOKEN)")
	sessionID = flag.String("session", "", "existing session id; a new session is created when empty")
	videos    = flag.String("videos", "", "comma separated video ids to scope a new session to")
	provider  = flag.String("provider", "", "provider for a new session (ollama, openrouter)")
	noStream  = flag.Bool("no-stream", false, "wait for the whole answer instead of streaming")
)

var (
	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	faint     = color.New(color.Faint).SprintFunc()
	red       = color.New(color.FgRed, color.Bold).SprintFunc()
)

type videoReference struct {
	VideoID   string  `json:"videoID"`
	Timestamp float64 `json:"timestamp"`
	Title     string  `json:"title"`
}

type answer struct {
	Message         string           `json:"message"`
	VideoReferences []videoReference `json:"videoReferences"`
	Usage           struct {
		InputTokens  int     `json:"inputTokens"`
		OutputTokens int     `json:"outputTokens"`
		CostUSD      float64 `json:"costUSD"`
	} `json:"usage"`
	Cached       bool   `json:"cached"`
	Truncated    bool   `json:"truncated"`
	WarningLevel string `json:"warningLevel"`
}

type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func main() {
	flag.Parse()
	if *token == "" {
		fmt.Fprintln(os.Stderr, red("a token is required (-token or CHRONOS_TOKEN)"))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &client{base: strings.TrimRight(*apiURL, "/"), token: *token, http: &http.Client{}}

	sid := *sessionID
	if sid == "" {
		var err error
		sid, err = c.createSession(ctx, splitList(*videos), *provider)
		if err != nil {
			fmt.Fprintln(os.Stderr, red("create session: "), err)
			os.Exit(1)
		}
	}

	fmt.Println(boldGreen("Course assistant"))
	fmt.Printf("Session: %s\n", boldCyan(sid))
	fmt.Println("Ask a question and press Enter. Type 'exit' or press Ctrl+C to quit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(boldGreen("You: "))
		if !scanner.Scan() {
			break
		}
		q := strings.TrimSpace(scanner.Text())
		if q == "" {
			continue
		}
		if strings.EqualFold(q, "exit") {
			break
		}

		fmt.Print(boldCyan("Assistant: "))
		var (
			a   *answer
			err error
		)
		if *noStream {
			a, err = c.ask(ctx, sid, q)
			if a != nil {
				fmt.Print(a.Message)
			}
		} else {
			a, err = c.askStream(ctx, sid, q, func(delta string) { fmt.Print(delta) })
		}
		fmt.Println()
		if err != nil {
			fmt.Fprintln(os.Stderr, red("error: "), err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		printFooter(a)
	}
}

func printFooter(a *answer) {
	for _, r := range a.VideoReferences {
		fmt.Printf("  %s %s @ %s\n", yellow("▶"), r.Title, formatTimestamp(r.Timestamp))
	}
	note := fmt.Sprintf("%d in / %d out tokens, $%.5f", a.Usage.InputTokens, a.Usage.OutputTokens, a.Usage.CostUSD)
	if a.Cached {
		note = "cached answer"
	}
	if a.Truncated {
		note += ", truncated"
	}
	fmt.Println(faint(note))
	if a.WarningLevel != "" && a.WarningLevel != "none" {
		fmt.Println(yellow("budget: " + a.WarningLevel))
	}
	fmt.Println()
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.http.Do(req)
}

func decodeEnvelope(resp *http.Response, out any) error {
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("http %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("%s: %s", env.Code, env.Message)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg += " (retry in " + ra + "s)"
		}
		return errors.New(msg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *client) createSession(ctx context.Context, videoIDs []string, provider string) (string, error) {
	resp, err := c.post(ctx, "/chat/sessions", map[string]any{"videoIDs": videoIDs, "provider": provider})
	if err != nil {
		return "", err
	}
	var sess struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeEnvelope(resp, &sess); err != nil {
		return "", err
	}
	return sess.SessionID, nil
}

func (c *client) ask(ctx context.Context, sid, q string) (*answer, error) {
	resp, err := c.post(ctx, "/chat", map[string]any{"sessionID": sid, "message": q})
	if err != nil {
		return nil, err
	}
	var a answer
	if err := decodeEnvelope(resp, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// askStream reads the SSE response; onDelta sees every content event.
func (c *client) askStream(ctx context.Context, sid, q string, onDelta func(string)) (*answer, error) {
	resp, err := c.post(ctx, "/chat", map[string]any{"sessionID": sid, "message": q, "stream": true})
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return nil, decodeEnvelope(resp, nil)
	}
	defer resp.Body.Close()

	var event string
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("stream ended without a result")
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := []byte(strings.TrimPrefix(line, "data: "))
			switch event {
			case "content":
				var ev struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal(data, &ev); err == nil {
					onDelta(ev.Delta)
				}
			case "done":
				var a answer
				if err := json.Unmarshal(data, &a); err != nil {
					return nil, err
				}
				return &a, nil
			case "error":
				var ev struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}
				_ = json.Unmarshal(data, &ev)
				return nil, fmt.Errorf("%s: %s", ev.Code, ev.Message)
			}
		}
	}
}

func formatTimestamp(sec float64) string {
	d := time.Duration(sec) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
