package rules

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultRemoteTimeout = 10 * time.Second
	maxRemoteBodyBytes   = 32 << 20
)

// RemoteConfig configures a RemoteSource.
type RemoteConfig struct {
	BaseURL   string
	ProjectID string
	Token     string

	// RequestsPerSecond limits outgoing requests. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient is used when set; otherwise a client with a 10s timeout.
	HTTPClient *http.Client
}

// remoteRule is the wire shape of one rule returned by the remote API.
type remoteRule struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Tags         []string  `json:"tags"`
	LastModified time.Time `json:"lastModified"`
	Content      string    `json:"content"`
}

// RemoteSource fetches rules from the HTTP rule API:
//
//	GET {baseURL}/projects/{projectId}/rules
//	GET {baseURL}/projects/{projectId}/rules/{id}
type RemoteSource struct {
	baseURL   string
	projectID string
	token     string
	client    *http.Client
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewRemoteSource validates cfg and creates a source.
func NewRemoteSource(cfg RemoteConfig, logger zerolog.Logger) (*RemoteSource, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, configErr("remote source requires a base URL")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, configErr("invalid remote base URL %q", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, configErr("remote source requires a project id")
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, configErr("requests per second must not be negative")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &RemoteSource{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		projectID: cfg.ProjectID,
		token:     cfg.Token,
		client:    client,
		limiter:   limiter,
		logger:    logger.With().Str("component", "remote-source").Str("project_id", cfg.ProjectID).Logger(),
	}, nil
}

// ListAll fetches the full rule listing.
func (s *RemoteSource) ListAll(ctx context.Context) ([]RuleDocument, error) {
	var payload []remoteRule
	if err := s.get(ctx, "list", "", s.rulesURL(), &payload); err != nil {
		return nil, err
	}

	docs := make([]RuleDocument, 0, len(payload))
	for _, r := range payload {
		doc, err := r.document()
		if err != nil {
			return nil, sourceErr(ErrSourceBadResponse, "list", r.ID, err)
		}
		docs = append(docs, doc)
	}

	s.logger.Debug().Int("count", len(docs)).Msg("listed remote rules")
	return docs, nil
}

// FetchOne fetches a single rule by id.
func (s *RemoteSource) FetchOne(ctx context.Context, id string) (RuleDocument, error) {
	var payload remoteRule
	if err := s.get(ctx, "fetch", id, s.rulesURL()+"/"+url.PathEscape(id), &payload); err != nil {
		return RuleDocument{}, err
	}
	if payload.ID == "" {
		payload.ID = id
	}
	if payload.ID != id {
		return RuleDocument{}, sourceErr(ErrSourceBadResponse, "fetch", id,
			fmt.Errorf("response carries rule id %q", payload.ID))
	}

	doc, err := payload.document()
	if err != nil {
		return RuleDocument{}, sourceErr(ErrSourceBadResponse, "fetch", id, err)
	}
	return doc, nil
}

func (s *RemoteSource) rulesURL() string {
	return s.baseURL + "/projects/" + url.PathEscape(s.projectID) + "/rules"
}

func (s *RemoteSource) get(ctx context.Context, op, id, target string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return sourceErr(ErrSourceUnavailable, op, id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return sourceErr(ErrSourceUnavailable, op, id, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return sourceErr(ErrSourceUnavailable, op, id, err)
	}
	defer resp.Body.Close()

	s.logger.Debug().
		Str("op", op).
		Str("rule_id", id).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote rule request")

	if resp.StatusCode == http.StatusNotFound && id != "" {
		return sourceErr(ErrRuleNotFound, op, id, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return sourceErr(ErrSourceBadResponse, op, id,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxRemoteBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return sourceErr(ErrSourceUnavailable, op, id, err)
		}
		return sourceErr(ErrSourceBadResponse, op, id, fmt.Errorf("malformed payload: %w", err))
	}
	return nil
}

func (r remoteRule) document() (RuleDocument, error) {
	if r.ID == "" {
		return RuleDocument{}, errors.New("rule without id")
	}
	content, err := base64.StdEncoding.DecodeString(r.Content)
	if err != nil {
		return RuleDocument{}, fmt.Errorf("invalid base64 content: %w", err)
	}
	meta := RuleMetadata{
		ID:           r.ID,
		Name:         r.Name,
		Version:      r.Version,
		Tags:         r.Tags,
		LastModified: r.LastModified,
	}
	return documentFromContent(meta, content)
}
