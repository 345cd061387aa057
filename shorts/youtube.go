package shorts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Video is a short video candidate with the fields the draw filters on.
type Video struct {
	ID       string
	Title    string
	Likes    int
	Duration time.Duration
}

// URL is the Shorts link for v.
func (v Video) URL() string {
	return "https://www.youtube.com/shorts/" + v.ID
}

// YouTube talks to the YouTube Data API v3.
type YouTube struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func NewYouTube(apiKey, baseURL string) *YouTube {
	return &YouTube{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
	} `json:"items"`
}

type videosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
		Statistics struct {
			LikeCount string `json:"likeCount"`
		} `json:"statistics"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

// Search returns the IDs of up to max short videos matching query.
func (y *YouTube) Search(ctx context.Context, query string, max int) ([]string, error) {
	q := url.Values{}
	q.Set("key", y.APIKey)
	q.Set("part", "snippet")
	q.Set("type", "video")
	q.Set("videoDuration", "short")
	q.Set("maxResults", strconv.Itoa(max))
	q.Set("q", query)

	var sr searchResponse
	if err := y.get(ctx, "/search", q, &sr); err != nil {
		return nil, fmt.Errorf("youtube search: %w", err)
	}
	ids := make([]string, 0, len(sr.Items))
	for _, it := range sr.Items {
		if it.ID.VideoID != "" {
			ids = append(ids, it.ID.VideoID)
		}
	}
	slog.Debug("youtube search completed", "query", query, "results", len(ids))
	return ids, nil
}

// Details looks up title, like count and duration for ids.
func (y *YouTube) Details(ctx context.Context, ids []string) ([]Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("key", y.APIKey)
	q.Set("part", "snippet,statistics,contentDetails")
	q.Set("id", strings.Join(ids, ","))

	var vr videosResponse
	if err := y.get(ctx, "/videos", q, &vr); err != nil {
		return nil, fmt.Errorf("youtube video details: %w", err)
	}
	videos := make([]Video, 0, len(vr.Items))
	for _, it := range vr.Items {
		likes, _ := strconv.Atoi(it.Statistics.LikeCount)
		videos = append(videos, Video{
			ID:       it.ID,
			Title:    html.UnescapeString(it.Snippet.Title),
			Likes:    likes,
			Duration: ParseDuration(it.ContentDetails.Duration),
		})
	}
	return videos, nil
}

func (y *YouTube) get(ctx context.Context, path string, q url.Values, out any) error {
	if y.APIKey == "" {
		return fmt.Errorf("youtube API key not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := y.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseDuration converts an ISO 8601 duration such as "PT1M5S". Anything it
// cannot parse is zero.
func ParseDuration(s string) time.Duration {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	var d time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		n, _ := strconv.Atoi(m[i+1])
		d += time.Duration(n) * unit
	}
	return d
}
