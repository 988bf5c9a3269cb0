package data

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tapesim/internal/market"

	"github.com/tidwall/gjson"
)

// PolygonSource adapts the Polygon REST API: v2 historic ticks for trades
// and NBBO quotes, v2 aggregates for bars.
type PolygonSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewPolygonSource(base, apiKey string) *PolygonSource {
	if base == "" {
		base = "https://api.polygon.io"
	}
	return &PolygonSource{
		baseURL: base,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PolygonSource) Name() string { return "polygon" }

func (p *PolygonSource) Fetch(ctx context.Context, req FetchRequest) (Page, error) {
	switch req.Kind {
	case market.KindTrade:
		return p.fetchTicks(ctx, req, "trades")
	case market.KindQuote:
		return p.fetchTicks(ctx, req, "nbbo")
	case market.KindBar:
		return p.fetchAggregates(ctx, req)
	}
	return Page{}, fmt.Errorf("unsupported record kind %s", req.Kind)
}

func (p *PolygonSource) fetchTicks(ctx context.Context, req FetchRequest, channel string) (Page, error) {
	date := req.Start.UTC().Format("2006-01-02")
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return Page{}, err
	}
	u.Path = fmt.Sprintf("/v2/ticks/stocks/%s/%s/%s", channel, req.Symbol, date)
	q := u.Query()
	q.Set("limit", strconv.Itoa(req.Limit))
	if req.PageToken != "" {
		q.Set("timestamp", req.PageToken)
	}
	u.RawQuery = q.Encode()

	body, err := p.get(ctx, u)
	if err != nil {
		return Page{}, err
	}
	results := gjson.GetBytes(body, "results").Array()
	page := Page{Records: make([]market.Record, 0, len(results))}
	var lastTS int64
	for _, row := range results {
		lastTS = row.Get("t").Int()
		ts := time.Unix(0, lastTS).UTC()
		if channel == "trades" {
			var conditions []string
			for _, c := range row.Get("c").Array() {
				conditions = append(conditions, c.String())
			}
			page.Records = append(page.Records, market.Trade{
				Symbol:     req.Symbol,
				Timestamp:  ts,
				Price:      row.Get("p").Float(),
				Size:       uint32(row.Get("s").Uint()),
				Exchange:   row.Get("x").String(),
				Conditions: conditions,
			})
			continue
		}
		page.Records = append(page.Records, market.Quote{
			Symbol:      req.Symbol,
			Timestamp:   ts,
			BidPrice:    row.Get("p").Float(),
			BidSize:     uint32(row.Get("s").Uint()),
			BidExchange: row.Get("x").String(),
			AskPrice:    row.Get("P").Float(),
			AskSize:     uint32(row.Get("S").Uint()),
			AskExchange: row.Get("X").String(),
		})
	}
	// Polygon pages historic ticks by timestamp offset.
	if len(results) == req.Limit && req.Limit > 0 {
		page.NextToken = strconv.FormatInt(lastTS+1, 10)
	}
	return page, nil
}

func (p *PolygonSource) fetchAggregates(ctx context.Context, req FetchRequest) (Page, error) {
	start := req.Start.UTC()
	if req.PageToken != "" {
		ms, err := strconv.ParseInt(req.PageToken, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("bad page token %q: %w", req.PageToken, err)
		}
		start = time.UnixMilli(ms).UTC()
	}
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return Page{}, err
	}
	u.Path = fmt.Sprintf("/v2/aggs/ticker/%s/range/1/%s/%d/%d",
		req.Symbol, req.Span, start.UnixMilli(), req.End.UTC().UnixMilli())
	q := u.Query()
	q.Set("sort", "asc")
	q.Set("limit", strconv.Itoa(req.Limit))
	u.RawQuery = q.Encode()

	body, err := p.get(ctx, u)
	if err != nil {
		return Page{}, err
	}
	results := gjson.GetBytes(body, "results").Array()
	page := Page{Records: make([]market.Record, 0, len(results))}
	var lastMs int64
	for _, row := range results {
		lastMs = row.Get("t").Int()
		page.Records = append(page.Records, market.Bar{
			Symbol:    req.Symbol,
			Span:      req.Span,
			Timestamp: time.UnixMilli(lastMs).UTC(),
			Open:      row.Get("o").Float(),
			High:      row.Get("h").Float(),
			Low:       row.Get("l").Float(),
			Close:     row.Get("c").Float(),
			Volume:    row.Get("v").Float(),
		})
	}
	if len(results) == req.Limit && req.Limit > 0 {
		page.NextToken = strconv.FormatInt(lastMs+1, 10)
	}
	return page, nil
}

// Calendar fetches upcoming/past session hours. Days the venue was closed
// are simply absent from the response.
func (p *PolygonSource) Calendar(ctx context.Context, start, end time.Time) (market.Calendar, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/v1/marketstatus/calendar"
	q := u.Query()
	q.Set("from", start.UTC().Format("2006-01-02"))
	q.Set("to", end.UTC().Format("2006-01-02"))
	u.RawQuery = q.Encode()

	body, err := p.get(ctx, u)
	if err != nil {
		return nil, err
	}
	var cal market.Calendar
	for _, row := range gjson.GetBytes(body, "results").Array() {
		date, err := time.Parse("2006-01-02", row.Get("date").String())
		if err != nil {
			return nil, fmt.Errorf("bad calendar date %q: %w", row.Get("date").String(), err)
		}
		sess := market.Session{
			Date:     date,
			Open:     parseRFC3339(row.Get("open").String()),
			Close:    parseRFC3339(row.Get("close").String()),
			PreOpen:  parseRFC3339(row.Get("pre_open").String()),
			PreClose: parseRFC3339(row.Get("pre_close").String()),
		}
		if sess.Open.IsZero() || sess.Close.IsZero() {
			continue
		}
		cal = append(cal, sess)
	}
	return cal, nil
}

func (p *PolygonSource) get(ctx context.Context, u *url.URL) ([]byte, error) {
	q := u.Query()
	if p.apiKey != "" {
		q.Set("apiKey", p.apiKey)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("polygon returned status %d for %s", resp.StatusCode, u.Path)
	}
	return io.ReadAll(resp.Body)
}

func parseRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
