package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// SearchResult is one ranked web-search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"link"`
	Snippet string `json:"snippet"`
}

// SearchClient finds seed URLs for a research round. Implementations return
// a human-readable summary of the top hits plus the hit URLs in rank order.
type SearchClient interface {
	Search(ctx context.Context, query string) (summary string, urls []string, err error)
}

const serperMaxResults = 5

type serperClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewSerperClient(apiKey string) SearchClient {
	return &serperClient{
		apiKey:  apiKey,
		baseURL: "https://google.serper.dev/search",
		client:  externalHTTPClient,
	}
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResponse struct {
	Organic []SearchResult `json:"organic"`
}

func (s *serperClient) Search(ctx context.Context, query string) (string, []string, error) {
	body, err := json.Marshal(serperRequest{Q: query, Num: serperMaxResults})
	if err != nil {
		return "", nil, fmt.Errorf("marshaling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("reading search response: %w", err)
	}

	var parsed serperResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", nil, fmt.Errorf("parsing search response: %w", err)
	}

	results := parsed.Organic
	if len(results) > serperMaxResults {
		results = results[:serperMaxResults]
	}
	if len(results) == 0 {
		log.Printf("search no results query=%q", query)
		return fmt.Sprintf("No search results found for query: '%s'", query), nil, nil
	}

	var summary strings.Builder
	fmt.Fprintf(&summary, "Search results for '%s':\n\n", query)
	var urls []string
	for i, r := range results {
		fmt.Fprintf(&summary, "%d. %s\n   URL: %s\n   Snippet: %s\n\n", i+1, r.Title, r.URL, r.Snippet)
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}

	log.Printf("search query=%q results=%d", query, len(results))
	return strings.TrimSpace(summary.String()), urls, nil
}
