package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

// MediaStack searches the mediastack /news endpoint.
type MediaStack struct {
	news
	apiKey string
}

func NewMediaStack(c config.SourceConfig) *MediaStack {
	m := &MediaStack{news: newNews(config.MediaStack, c), apiKey: c.APIKey}
	m.search = m.headlines
	return m
}

type mediaStackResponse struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Data []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		Source      string `json:"source"`
		PublishedAt string `json:"published_at"`
	} `json:"data"`
}

func (m *MediaStack) headlines(ctx context.Context, s *Session, bank string, since model.Date) ([]article, error) {
	keywords := strings.Join(regulatoryKeywords[:3], ",")
	limit := m.pageSize
	if bank != "" {
		keywords = bank
	} else {
		limit += limit / 2
	}
	params := url.Values{}
	params.Set("access_key", m.apiKey)
	params.Set("keywords", keywords)
	params.Set("languages", "en")
	params.Set("countries", "us")
	params.Set("sort", "published_desc")
	params.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		params.Set("date", since.String()+","+m.today().String())
	}

	resp, err := s.Client.Get(ctx, m.baseURL+"/news", params, nil)
	if err != nil {
		return nil, err
	}
	var body mediaStackResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode mediastack response: %w", err)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("mediastack %s: %s", body.Error.Code, body.Error.Message)
	}
	out := make([]article, 0, len(body.Data))
	for _, d := range body.Data {
		out = append(out, article{
			Title:       d.Title,
			Description: d.Description,
			URL:         d.URL,
			Publisher:   d.Source,
			Published:   mediaStackTime(d.PublishedAt),
		})
	}
	s.Log.WithField("bank", bank).WithField("articles", len(out)).Debug("mediastack query done")
	return out, nil
}

// mediaStackTime rewrites "2006-01-02 15:04:05" timestamps as RFC3339; other forms pass through.
func mediaStackTime(v string) string {
	if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	return v
}
