package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"syncstream/model"
)

// ErrMissingAPIKey 未配置 YOUTUBE_API_KEY
var ErrMissingAPIKey = errors.New("missing YouTube API key")

const (
	musicCategoryID = "10"
	watchURLFormat  = "https://www.youtube.com/watch?v=%s"
	embedURLFormat  = "https://www.youtube.com/embed/%s?enablejsapi=1"
)

var (
	officialParens   = regexp.MustCompile(`(?i)\(Official.*?\)`)
	officialBrackets = regexp.MustCompile(`(?i)\[Official.*?\]`)
	spaces           = regexp.MustCompile(`\s+`)
)

// CleanTitle 去掉 "(Official Video)" / "[Official Audio]" 之类的标注并合并空白
func CleanTitle(title string) string {
	title = officialParens.ReplaceAllString(title, "")
	title = officialBrackets.ReplaceAllString(title, "")
	title = spaces.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}

// YouTubeProvider YouTube Data API v3 搜索
type YouTubeProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewYouTubeProvider 创建 YouTube 搜索客户端
func NewYouTubeProvider(apiKey, baseURL string) *YouTubeProvider {
	return &YouTubeProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}
}

// SetTimeout 设置请求超时时间
func (p *YouTubeProvider) SetTimeout(timeout time.Duration) {
	p.httpClient.Timeout = timeout
}

// Name provider 标识
func (p *YouTubeProvider) Name() string {
	return "youtube"
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelTitle string `json:"channelTitle"`
			Thumbnails   struct {
				Medium  *thumbnail `json:"medium"`
				Default *thumbnail `json:"default"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

type thumbnail struct {
	URL string `json:"url"`
}

// Search 搜索音乐分类下的视频
func (p *YouTubeProvider) Search(ctx context.Context, query string, limit int) ([]model.Track, error) {
	if p.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if limit <= 0 {
		limit = 20
	}

	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("q", query+" music")
	params.Set("type", "video")
	params.Set("videoCategoryId", musicCategoryID)
	params.Set("maxResults", strconv.Itoa(limit))
	params.Set("key", p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("youtube search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("youtube search returned status %d", resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode youtube response: %w", err)
	}

	tracks := make([]model.Track, 0, len(result.Items))
	for _, item := range result.Items {
		id := item.ID.VideoID
		if id == "" {
			continue
		}
		t := model.Track{
			ID:       id,
			Title:    CleanTitle(item.Snippet.Title),
			Artist:   item.Snippet.ChannelTitle,
			Duration: 0,
			URL:      fmt.Sprintf(watchURLFormat, id),
			EmbedURL: fmt.Sprintf(embedURLFormat, id),
		}
		switch {
		case item.Snippet.Thumbnails.Medium != nil:
			t.Thumbnail = item.Snippet.Thumbnails.Medium.URL
		case item.Snippet.Thumbnails.Default != nil:
			t.Thumbnail = item.Snippet.Thumbnails.Default.URL
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}
