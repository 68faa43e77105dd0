package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const (
	fetchMaxChars     = 50000
	fetchMaxRedirects = 3
	fetchTimeout      = 30 * time.Second
	fetchUserAgent    = "whale/1.0 (+https://github.com/whale-sh/whale)"
)

// WebFetchTool fetches a URL and extracts readable content.
type WebFetchTool struct {
	maxChars  int
	converter *md.Converter
}

func NewWebFetchTool(maxBytes int) *WebFetchTool {
	maxChars := maxBytes
	if maxChars <= 0 {
		maxChars = fetchMaxChars
	}
	return &WebFetchTool{
		maxChars:  maxChars,
		converter: md.NewConverter("", true, nil),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its content as markdown or plain text"
}
func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"extract_mode": map[string]any{
				"type":        "string",
				"description": `Extraction mode, "markdown" (default) or "text"`,
				"enum":        []string{"markdown", "text"},
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := checkPrivateHost(parsed.Hostname()); err != nil {
		return ErrorResult(err.Error())
	}

	mode := "markdown"
	if em, ok := args["extract_mode"].(string); ok && em == "text" {
		mode = em
	}

	content, finalURL, status, err := t.doFetch(ctx, rawURL, mode)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}

	truncated := false
	if len(content) > t.maxChars {
		content = content[:t.maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\n", finalURL, status)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit %d chars)\n", t.maxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(content)
	return SilentResult(sb.String())
}

func (t *WebFetchTool) doFetch(ctx context.Context, rawURL, mode string) (content, finalURL string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return checkPrivateHost(req.URL.Hostname())
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxChars*4)))
	if err != nil {
		return "", "", 0, fmt.Errorf("read body: %w", err)
	}
	finalURL = resp.Request.URL.String()
	status = resp.StatusCode

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		content, err = t.extractHTML(string(body), mode)
		if err != nil {
			content = string(body)
		}
	default:
		content = string(body)
	}
	return content, finalURL, status, nil
}

func (t *WebFetchTool) extractHTML(html, mode string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, nav, footer, header").Remove()

	if mode == "text" {
		text := doc.Find("body").Text()
		lines := strings.Split(text, "\n")
		var clean []string
		for _, line := range lines {
			if line = strings.TrimSpace(line); line != "" {
				clean = append(clean, line)
			}
		}
		return strings.Join(clean, "\n"), nil
	}

	body, err := doc.Find("body").Html()
	if err != nil || body == "" {
		body = html
	}
	out, err := t.converter.ConvertString(body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// checkPrivateHost rejects loopback, private, and link-local targets.
func checkPrivateHost(host string) error {
	if host == "" {
		return fmt.Errorf("missing hostname")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("refusing to fetch localhost")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch private address %s", ip)
		}
	}
	return nil
}
