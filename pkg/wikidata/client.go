package wikidata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
)

const (
	DefaultBaseURL   = "https://www.wikidata.org/w/api.php"
	defaultUserAgent = "chronosgraph/1.0 (entity resolution)"
	searchLimit      = 10

	propBirth       = "P569"
	propDeath       = "P570"
	propPartOf      = "P179"
	propOrdinal     = "P1545"
	propPublication = "P577"
)

// Client talks to the MediaWiki action API of Wikidata.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	maxLag     int
	httpClient *http.Client
	policy     util.BackoffPolicy
}

// NewClientParams configures a Client. Zero values fall back to the public
// endpoint, a 60s HTTP timeout and the default backoff policy.
type NewClientParams struct {
	BaseURL    string
	APIKey     string
	UserAgent  string
	MaxLag     int
	HTTPClient *http.Client
	Policy     *util.BackoffPolicy
}

func NewClient(params NewClientParams) *Client {
	c := &Client{
		baseURL:    params.BaseURL,
		apiKey:     params.APIKey,
		userAgent:  params.UserAgent,
		maxLag:     params.MaxLag,
		httpClient: params.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.maxLag <= 0 {
		c.maxLag = 5
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if params.Policy != nil {
		c.policy = *params.Policy
	} else {
		c.policy = util.DefaultBackoffPolicy(common.IsRetryable)
	}
	if c.policy.Retryable == nil {
		c.policy.Retryable = common.IsRetryable
	}
	return c
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

type valueText struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

type snak struct {
	SnakType  string `json:"snaktype"`
	DataValue struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"datavalue"`
}

type claim struct {
	MainSnak   snak              `json:"mainsnak"`
	Rank       string            `json:"rank"`
	Qualifiers map[string][]snak `json:"qualifiers"`
}

type entity struct {
	ID           string                 `json:"id"`
	Missing      *string                `json:"missing"`
	Labels       map[string]valueText   `json:"labels"`
	Descriptions map[string]valueText   `json:"descriptions"`
	Aliases      map[string][]valueText `json:"aliases"`
	Claims       map[string][]claim     `json:"claims"`
}

type getEntitiesResponse struct {
	Entities map[string]entity `json:"entities"`
	Error    *apiError         `json:"error"`
}

type searchResponse struct {
	Search []struct {
		ID          string `json:"id"`
		Label       string `json:"label"`
		Description string `json:"description"`
	} `json:"search"`
	Error *apiError `json:"error"`
}

// LookupByQID fetches labels, aliases and the date/series claims of qid.
func (c *Client) LookupByQID(ctx context.Context, qid string) (*Entry, error) {
	entities, err := c.getEntities(ctx, []string{qid}, DefaultAliasLanguages, "labels|descriptions|aliases|claims")
	if err != nil {
		return nil, err
	}
	ent, ok := entities[qid]
	if !ok || ent.Missing != nil {
		return nil, &common.NotFoundError{ID: qid}
	}
	return toEntry(ent), nil
}

// SearchByNameAndDates searches item labels and aliases, then narrows the
// hits by the supplied years.
func (c *Client) SearchByNameAndDates(ctx context.Context, name string, birthYear, deathYear *int) ([]Candidate, error) {
	params := url.Values{}
	params.Set("action", "wbsearchentities")
	params.Set("search", name)
	params.Set("language", "en")
	params.Set("type", "item")
	params.Set("limit", strconv.Itoa(searchLimit))

	var resp searchResponse
	if err := c.call(ctx, params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Search) == 0 {
		return nil, nil
	}

	cands := make([]datedCandidate, 0, len(resp.Search))
	ids := make([]string, 0, len(resp.Search))
	for _, hit := range resp.Search {
		cands = append(cands, datedCandidate{Candidate: Candidate{QID: hit.ID, Label: hit.Label, Description: hit.Description}})
		ids = append(ids, hit.ID)
	}

	if birthYear != nil || deathYear != nil {
		entities, err := c.getEntities(ctx, ids, []string{"en"}, "claims")
		if err != nil {
			return nil, err
		}
		for i := range cands {
			ent, ok := entities[cands[i].QID]
			if !ok {
				continue
			}
			cands[i].birth = yearClaim(ent, propBirth)
			cands[i].death = yearClaim(ent, propDeath)
		}
	}

	return rankByDates(cands, birthYear, deathYear), nil
}

// FetchAliases returns the label and aliases of qid in the given languages,
// deduplicated and in language order.
func (c *Client) FetchAliases(ctx context.Context, qid string, languages []string) ([]string, error) {
	if len(languages) == 0 {
		languages = DefaultAliasLanguages
	}
	entities, err := c.getEntities(ctx, []string{qid}, languages, "labels|aliases")
	if err != nil {
		return nil, err
	}
	ent, ok := entities[qid]
	if !ok || ent.Missing != nil {
		return nil, &common.NotFoundError{ID: qid}
	}

	var out []string
	for _, lang := range languages {
		if l, ok := ent.Labels[lang]; ok {
			out = append(out, l.Value)
		}
		for _, a := range ent.Aliases[lang] {
			out = append(out, a.Value)
		}
	}
	return dedupeStrings(out, ""), nil
}

func (c *Client) getEntities(ctx context.Context, ids []string, languages []string, props string) (map[string]entity, error) {
	params := url.Values{}
	params.Set("action", "wbgetentities")
	params.Set("ids", strings.Join(ids, "|"))
	params.Set("props", props)
	params.Set("languages", strings.Join(languages, "|"))

	var resp getEntitiesResponse
	if err := c.call(ctx, params, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

// call performs one API request under the backoff policy and decodes the
// response into out.
func (c *Client) call(ctx context.Context, params url.Values, out any) error {
	params.Set("format", "json")
	params.Set("maxlag", strconv.Itoa(c.maxLag))
	endpoint := c.baseURL + "?" + params.Encode()

	attempt := 0
	_, err := util.RetryBackoff(ctx, c.policy, func(ctx context.Context) (struct{}, error) {
		attempt++
		err := c.do(ctx, endpoint, out)
		if err != nil && common.IsRetryable(err) {
			logger.Warn("[Wikidata] Rate limited, backing off", "action", params.Get("action"), "attempt", attempt, "err", err)
		}
		return struct{}{}, err
	})
	return err
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &common.TransientExternalError{Code: common.CodeTimeout, Err: err}
		}
		return fmt.Errorf("wikidata request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read wikidata response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &common.TransientExternalError{
			Code:       common.CodeTooMany,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return &common.TransientExternalError{Code: common.CodeUnavailable, Err: errors.New(string(body))}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("wikidata returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode wikidata response: %w", err)
	}
	if envelope.Error != nil {
		switch envelope.Error.Code {
		case common.CodeMaxLag, common.CodeRateLimited:
			return &common.TransientExternalError{
				Code:       envelope.Error.Code,
				RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
				Err:        errors.New(envelope.Error.Info),
			}
		case "no-such-entity":
			return &common.NotFoundError{ID: envelope.Error.Info}
		}
		return fmt.Errorf("wikidata api error %s: %s", envelope.Error.Code, envelope.Error.Info)
	}

	return json.Unmarshal(body, out)
}

func toEntry(ent entity) *Entry {
	e := &Entry{QID: ent.ID}
	if l, ok := ent.Labels["en"]; ok {
		e.Label = l.Value
	} else {
		for _, lang := range DefaultAliasLanguages {
			if l, ok := ent.Labels[lang]; ok {
				e.Label = l.Value
				break
			}
		}
	}
	if d, ok := ent.Descriptions["en"]; ok {
		e.Description = d.Value
	}
	var aliases []string
	for _, lang := range DefaultAliasLanguages {
		if l, ok := ent.Labels[lang]; ok {
			aliases = append(aliases, l.Value)
		}
		for _, a := range ent.Aliases[lang] {
			aliases = append(aliases, a.Value)
		}
	}
	e.Aliases = dedupeStrings(aliases, e.Label)
	e.BirthYear = yearClaim(ent, propBirth)
	e.DeathYear = yearClaim(ent, propDeath)
	e.PublicationYear = yearClaim(ent, propPublication)

	if claims := ent.Claims[propPartOf]; len(claims) > 0 {
		c := preferredClaim(claims)
		var ref struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(c.MainSnak.DataValue.Value, &ref) == nil {
			e.PartOfSeries = ref.ID
		}
		for _, q := range c.Qualifiers[propOrdinal] {
			var ordinal string
			if json.Unmarshal(q.DataValue.Value, &ordinal) == nil {
				e.SeriesOrdinal = ordinal
				break
			}
		}
	}
	return e
}

func preferredClaim(claims []claim) claim {
	for _, c := range claims {
		if c.Rank == "preferred" {
			return c
		}
	}
	return claims[0]
}

func yearClaim(ent entity, prop string) *int {
	claims := ent.Claims[prop]
	if len(claims) == 0 {
		return nil
	}
	c := preferredClaim(claims)
	if c.MainSnak.SnakType != "" && c.MainSnak.SnakType != "value" {
		return nil
	}
	var tv struct {
		Time string `json:"time"`
	}
	if err := json.Unmarshal(c.MainSnak.DataValue.Value, &tv); err != nil {
		return nil
	}
	y, ok := parseYear(tv.Time)
	if !ok {
		return nil
	}
	return &y
}

// parseYear reads the signed year of a Wikibase time value such as
// "+1947-09-21T00:00:00Z" or "-0100-07-12T00:00:00Z".
func parseYear(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	sign := 1
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	i := strings.IndexByte(s, '-')
	if i <= 0 {
		return 0, false
	}
	y, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, false
	}
	return sign * y, true
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
