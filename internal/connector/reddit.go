package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pulz/internal/logging"
	"pulz/internal/types"
)

// RedditConnector polls a subreddit's newest posts via the public JSON
// listing endpoint. No authentication is used.
type RedditConnector struct {
	subreddit string
	baseURL   string
	client    *http.Client
	state     validators
}

// NewReddit creates a connector for one subreddit.
func NewReddit(subreddit string) *RedditConnector {
	return &RedditConnector{
		subreddit: subreddit,
		baseURL:   "https://www.reddit.com",
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Name returns the source label for this subreddit.
func (r *RedditConnector) Name() string {
	return "reddit:r/" + r.subreddit
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	Permalink  string  `json:"permalink"`
	URL        string  `json:"url"`
	Author     string  `json:"author"`
	CreatedUTC float64 `json:"created_utc"`
}

// FetchSignals pulls up to 20 newest posts from the subreddit.
func (r *RedditConnector) FetchSignals(ctx context.Context) ([]types.Signal, error) {
	url := fmt.Sprintf("%s/r/%s/new.json?limit=20", r.baseURL, r.subreddit)

	body, notModified, err := r.state.conditionalGet(ctx, r.client, url)
	if err != nil {
		return nil, fmt.Errorf("reddit r/%s: %w", r.subreddit, err)
	}
	if notModified {
		return nil, nil
	}

	var listing redditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("reddit r/%s: failed to decode listing: %w", r.subreddit, err)
	}

	source := r.Name()
	signals := make([]types.Signal, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		postURL := post.URL
		if postURL == "" {
			postURL = "https://www.reddit.com" + post.Permalink
		}
		created := types.NowISO()
		if post.CreatedUTC > 0 {
			created = types.FormatISO(time.Unix(int64(post.CreatedUTC), 0))
		}
		signals = append(signals, types.Signal{
			ID:          types.HashID("signal:" + source + ":" + post.ID),
			Source:      source,
			URL:         postURL,
			Title:       post.Title,
			BodyExcerpt: excerpt(post.Selftext),
			Author:      post.Author,
			ContactHint: post.Author,
			CreatedAt:   created,
			Raw: map[string]any{
				"id":          post.ID,
				"title":       post.Title,
				"selftext":    post.Selftext,
				"permalink":   post.Permalink,
				"url":         post.URL,
				"author":      post.Author,
				"created_utc": post.CreatedUTC,
			},
		})
	}

	logging.Connector("Fetched %d posts from %s", len(signals), source)
	return signals, nil
}
