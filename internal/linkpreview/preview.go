// Package linkpreview fetches OpenGraph metadata for URLs shared in chat.
package linkpreview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"

	"nexus/internal/protocol"
)

const (
	// fetchTimeout bounds a whole fetch, redirects included.
	fetchTimeout = 4 * time.Second

	// maxBody is how much of a page is read. Only <head> matters.
	maxBody = 256 * 1024

	maxRedirects = 3
	maxInFlight  = 4
	userAgent    = "nexus-linkpreview/1.0"
)

// ErrBusy is returned when too many fetches are already in flight.
var ErrBusy = errors.New("linkpreview: too many fetches in flight")

// ErrBlockedAddress is returned when a URL resolves to a loopback, private,
// or link-local address.
var ErrBlockedAddress = errors.New("linkpreview: destination address not allowed")

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// FirstURL returns the first http(s) URL in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Fetcher fetches previews with a bounded number of concurrent requests.
type Fetcher struct {
	client *http.Client
	slots  chan struct{}
}

// NewFetcher returns a Fetcher. allowPrivate lifts the destination address
// guard and is only meant for tests against local servers.
func NewFetcher(allowPrivate bool) *Fetcher {
	dialer := &net.Dialer{Timeout: fetchTimeout}
	if !allowPrivate {
		dialer.Control = guardAddress
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   fetchTimeout,
		ResponseHeaderTimeout: fetchTimeout,
		MaxIdleConns:          maxInFlight,
		IdleConnTimeout:       30 * time.Second,
	}
	return &Fetcher{
		client: &http.Client{
			Timeout:   fetchTimeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		slots: make(chan struct{}, maxInFlight),
	}
}

// Fetch retrieves rawURL and extracts its preview. Non-HTML responses yield a
// preview with only the URL set. Fetch does not queue: when every slot is
// taken it returns ErrBusy.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (protocol.LinkPreview, error) {
	select {
	case f.slots <- struct{}{}:
		defer func() { <-f.slots }()
	default:
		return protocol.LinkPreview{}, ErrBusy
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return protocol.LinkPreview{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return protocol.LinkPreview{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocol.LinkPreview{}, fmt.Errorf("linkpreview: %s returned %d", rawURL, resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return protocol.LinkPreview{URL: rawURL}, nil
	}
	return Parse(rawURL, io.LimitReader(resp.Body, maxBody))
}

// Watch returns a chat message hook that fetches the first URL of each
// message in the background and hands non-empty previews to attach. The hook
// itself never blocks.
func (f *Fetcher) Watch(ctx context.Context, attach func(messageID string, lp protocol.LinkPreview)) func(protocol.ChatMessage) {
	return func(msg protocol.ChatMessage) {
		u := FirstURL(msg.Text)
		if u == "" {
			return
		}
		go func() {
			lp, err := f.Fetch(ctx, u)
			if err != nil {
				slog.Debug("link preview failed", "message_id", msg.ID, "url", u, "err", err)
				return
			}
			if Empty(lp) {
				return
			}
			attach(msg.ID, lp)
		}()
	}
}

// Empty reports whether lp carries nothing worth showing.
func Empty(lp protocol.LinkPreview) bool {
	return lp.Title == "" && lp.Description == "" && lp.Image == ""
}

// Parse reads HTML from r and extracts OpenGraph tags, falling back to
// <title> and the description meta tag. Parsing stops at <body>.
func Parse(rawURL string, r io.Reader) (protocol.LinkPreview, error) {
	lp := protocol.LinkPreview{URL: rawURL}
	z := html.NewTokenizer(r)
	var inTitle bool
	var title string

	finish := func() (protocol.LinkPreview, error) {
		if lp.Title == "" {
			lp.Title = strings.TrimSpace(title)
		}
		return lp, nil
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return protocol.LinkPreview{}, err
			}
			return finish()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "title":
				inTitle = true
			case "body":
				return finish()
			case "meta":
				if hasAttr {
					readMeta(z, &lp)
				}
			}

		case html.TextToken:
			if inTitle {
				title += string(z.Text())
			}

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "title" {
				inTitle = false
			}
		}
	}
}

func readMeta(z *html.Tokenizer, lp *protocol.LinkPreview) {
	var property, name, content string
	for {
		key, val, more := z.TagAttr()
		switch string(key) {
		case "property":
			property = string(val)
		case "name":
			name = string(val)
		case "content":
			content = string(val)
		}
		if !more {
			break
		}
	}
	if content == "" {
		return
	}

	switch property {
	case "og:title":
		lp.Title = content
	case "og:description":
		lp.Description = content
	case "og:image":
		lp.Image = content
	case "og:site_name":
		lp.SiteName = content
	}
	if name == "description" && lp.Description == "" {
		lp.Description = content
	}
}

// guardAddress runs after DNS resolution, so it sees the address actually
// dialed.
func guardAddress(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ErrBlockedAddress
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
	}
	return nil
}
