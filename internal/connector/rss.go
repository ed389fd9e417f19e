package connector

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"pulz/internal/logging"
	"pulz/internal/types"
)

// RSSConnector polls an RSS 2.0 or Atom feed.
type RSSConnector struct {
	name   string
	feeURL string
	client *http.Client
	state  validators
}

// NewRSS creates a connector for one feed URL with a short label used in
// the "rss:<name>" source string.
func NewRSS(name, feedURL string) *RSSConnector {
	return &RSSConnector{
		name:   name,
		feeURL: feedURL,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

// Name returns the source label for this feed.
func (r *RSSConnector) Name() string {
	return "rss:" + r.name
}

// atomNS is the Atom namespace; its presence on the root entry elements
// distinguishes Atom from RSS 2.0.
const atomNS = "http://www.w3.org/2005/Atom"

type rssDocument struct {
	XMLName xml.Name
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	Author      string `xml:"author"`
	PubDate     string `xml:"pubDate"`
}

type atomEntry struct {
	ID    string `xml:"id"`
	Title string `xml:"title"`
	Link  struct {
		Href string `xml:"href,attr"`
	} `xml:"link"`
	Summary string `xml:"summary"`
	Content string `xml:"content"`
	Author  struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Updated   string `xml:"updated"`
	Published string `xml:"published"`
}

// FetchSignals pulls the feed and normalises each item or entry.
func (r *RSSConnector) FetchSignals(ctx context.Context) ([]types.Signal, error) {
	body, notModified, err := r.state.conditionalGet(ctx, r.client, r.feeURL)
	if err != nil {
		return nil, fmt.Errorf("rss %s: %w", r.name, err)
	}
	if notModified {
		return nil, nil
	}

	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("rss %s: failed to parse feed: %w", r.name, err)
	}

	source := r.Name()
	var signals []types.Signal

	if doc.XMLName.Space == atomNS || len(doc.Entries) > 0 {
		for _, entry := range doc.Entries {
			id := entry.ID
			if id == "" {
				id = entry.Link.Href
			}
			bodyText := entry.Summary
			if bodyText == "" {
				bodyText = entry.Content
			}
			created := parseFeedTime(entry.Published, entry.Updated)
			signals = append(signals, types.Signal{
				ID:          types.HashID("signal:" + source + ":" + id),
				Source:      source,
				URL:         entry.Link.Href,
				Title:       entry.Title,
				BodyExcerpt: excerpt(bodyText),
				Author:      entry.Author.Name,
				ContactHint: entry.Author.Name,
				CreatedAt:   created,
				Raw: map[string]any{
					"id":      entry.ID,
					"title":   entry.Title,
					"link":    entry.Link.Href,
					"summary": entry.Summary,
				},
			})
		}
	} else {
		for _, item := range doc.Channel.Items {
			id := item.GUID
			if id == "" {
				id = item.Link
			}
			created := parseFeedTime(item.PubDate)
			signals = append(signals, types.Signal{
				ID:          types.HashID("signal:" + source + ":" + id),
				Source:      source,
				URL:         item.Link,
				Title:       item.Title,
				BodyExcerpt: excerpt(item.Description),
				Author:      item.Author,
				ContactHint: item.Author,
				CreatedAt:   created,
				Raw: map[string]any{
					"guid":        item.GUID,
					"title":       item.Title,
					"link":        item.Link,
					"description": item.Description,
				},
			})
		}
	}

	logging.Connector("Fetched %d entries from %s", len(signals), source)
	return signals, nil
}

// parseFeedTime tries each candidate against the common feed layouts and
// falls back to now.
func parseFeedTime(candidates ...string) string {
	layouts := []string{time.RFC1123Z, time.RFC1123, time.RFC3339, types.ISOFormat}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, c); err == nil {
				return types.FormatISO(t)
			}
		}
	}
	return types.NowISO()
}
