package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

// NewsAPI searches newsapi.org /everything.
type NewsAPI struct {
	news
	apiKey string
}

func NewNewsAPI(c config.SourceConfig) *NewsAPI {
	a := &NewsAPI{news: newNews(config.NewsAPI, c), apiKey: c.APIKey}
	a.search = a.everything
	return a
}

type newsAPIResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

func (a *NewsAPI) everything(ctx context.Context, s *Session, bank string, since model.Date) ([]article, error) {
	q := quoteOr(regulatoryKeywords)
	size := a.pageSize
	if bank != "" {
		q = `"` + bank + `" AND ` + quoteOr(reputationKeywords)
	} else {
		size += size / 2
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("language", "en")
	params.Set("sortBy", "relevancy")
	params.Set("pageSize", strconv.Itoa(size))
	if !since.IsZero() {
		params.Set("from", since.String())
	}
	params.Set("to", a.today().String())

	resp, err := s.Client.Get(ctx, a.baseURL+"/everything", params, map[string]string{"X-Api-Key": a.apiKey})
	if err != nil {
		return nil, err
	}
	var body newsAPIResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode newsapi response: %w", err)
	}
	if body.Status == "error" {
		return nil, fmt.Errorf("newsapi %s: %s", body.Code, body.Message)
	}
	out := make([]article, 0, len(body.Articles))
	for _, art := range body.Articles {
		out = append(out, article{
			Title:       art.Title,
			Description: art.Description,
			URL:         art.URL,
			Publisher:   art.Source.Name,
			Published:   art.PublishedAt,
		})
	}
	s.Log.WithField("bank", bank).WithField("articles", len(out)).Debug("newsapi query done")
	return out, nil
}
