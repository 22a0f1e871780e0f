package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/flowsync/pkg/cluster"
	"github.com/cuemby/flowsync/pkg/log"
	"github.com/cuemby/flowsync/pkg/metrics"
	"github.com/cuemby/flowsync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the REST root of a local single-node cluster
	DefaultBaseURL = "https://localhost:8443/nifi-api"

	defaultTimeout = 30 * time.Second

	// maxResponseSize bounds how much of a response body is read
	maxResponseSize = 32 << 20
)

// Config configures the connection to the cluster REST API
type Config struct {
	BaseURL string

	// Token wins over everything else. OAuth and Username/Password may be
	// combined, in which case the cluster's authentication configuration
	// picks one. None means anonymous access.
	Token    string
	OAuth    *OAuthConfig
	Username string
	Password string

	// TLS
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool

	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 is unlimited
	Burst     int
	UserAgent string
}

// Client talks to the cluster REST API and implements cluster.Cluster
type Client struct {
	base     *url.URL
	http     *http.Client
	limiter  *rate.Limiter
	clientID string
	agent    string
	logger   zerolog.Logger
	session  *session // nil for anonymous access

	mu     sync.Mutex
	rootID string // real id of the canvas root, learned on first use
}

var _ cluster.Cluster = (*Client)(nil)

// NewClient creates a REST client from cfg
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	tlsConfig, err := newTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	plain := &http.Client{Transport: transport, Timeout: cfg.Timeout}
	src, err := tokenSource(cfg, plain)
	if err != nil {
		return nil, err
	}
	httpClient := plain
	var sess *session
	if src != nil {
		sess = newSession(src)
		httpClient = &http.Client{
			Transport: &oauth2.Transport{Source: sess, Base: transport},
			Timeout:   cfg.Timeout,
		}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	agent := cfg.UserAgent
	if agent == "" {
		agent = "flowsync"
	}

	return &Client{
		base:     base,
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, burst),
		clientID: uuid.NewString(),
		agent:    agent,
		logger:   log.WithComponent("client"),
		session:  sess,
	}, nil
}

// newTLSConfig builds the transport TLS settings. A client certificate is
// presented when both CertFile and KeyFile are set.
func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed development clusters
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("client certificate needs both a cert file and a key file")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// APIError is a non-2xx answer of the REST API. It unwraps to the matching
// cluster sentinel error.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// staleRevision is how the API words an outdated revision
const staleRevision = "most up-to-date revision"

func newAPIError(method, path string, status int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	e := &APIError{StatusCode: status, Method: method, Path: path, Message: msg}
	switch {
	case status == http.StatusNotFound:
		e.kind = cluster.ErrNotFound
	case strings.Contains(msg, staleRevision):
		e.kind = cluster.ErrConflict
	case status == http.StatusTooManyRequests || status >= 500:
		e.kind = cluster.ErrTransport
	default:
		e.kind = cluster.ErrValidation
	}
	return e
}

// do performs one request. in is encoded as JSON when non-nil; out is
// decoded from the response when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s %s: %w", cluster.ErrTransport, method, path, err)
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode %s %s: %v", cluster.ErrValidation, method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", cluster.ErrTransport, method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.agent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("%w: %s %s: %w", cluster.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()
	metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %w", cluster.ErrTransport, method, path, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("API request")

	if resp.StatusCode >= 300 {
		return newAPIError(method, path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", cluster.ErrTransport, method, path, err)
	}
	return nil
}

// token encodes a revision for the engine
func token(rev revisionDTO) types.RevisionToken {
	data, _ := json.Marshal(rev)
	return types.RevisionToken(data)
}

// revision decodes a token handed back by the engine and claims it for this
// client
func (c *Client) revision(tok types.RevisionToken) (revisionDTO, error) {
	var rev revisionDTO
	if tok == "" {
		return revisionDTO{ClientID: c.clientID}, nil
	}
	if err := json.Unmarshal([]byte(tok), &rev); err != nil {
		return rev, fmt.Errorf("%w: malformed revision token %q", cluster.ErrValidation, tok)
	}
	rev.ClientID = c.clientID
	return rev, nil
}

func entityPath(ref types.EntityRef) (string, error) {
	res := resource(ref.Kind)
	if res == "" {
		return "", fmt.Errorf("%w: unknown kind %q", cluster.ErrValidation, ref.Kind)
	}
	if !ref.Exists() {
		return "", fmt.Errorf("%w: %s has no id", cluster.ErrValidation, ref)
	}
	return "/" + res + "/" + url.PathEscape(ref.ID), nil
}

// root returns the real id of the canvas root group, asking the cluster once
func (c *Client) root(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.rootID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var env envelope
	if err := c.do(ctx, http.MethodGet, "/process-groups/"+types.RootGroupID, nil, nil, &env); err != nil {
		return "", err
	}
	c.learnRoot(env.ID)
	return env.ID, nil
}

func (c *Client) learnRoot(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.rootID = id
	c.mu.Unlock()
}

// groupRef maps a parent group id onto a reference, folding the real root id
// back into the root alias so parents compare equal to the observation root
func (c *Client) groupRef(id string) types.EntityRef {
	if id == "" {
		return types.EntityRef{}
	}
	c.mu.Lock()
	root := c.rootID
	c.mu.Unlock()
	if id == root {
		id = types.RootGroupID
	}
	return types.EntityRef{Kind: types.KindProcessGroup, ID: id}
}

// groupID resolves the root alias where the API wants a real id
func (c *Client) groupID(ctx context.Context, ref types.EntityRef) (string, error) {
	if ref.ID == types.RootGroupID {
		return c.root(ctx)
	}
	return ref.ID, nil
}

// About reports the product version of the cluster. It doubles as a
// connectivity and credential check.
func (c *Client) About(ctx context.Context) (string, error) {
	var about aboutEntity
	if err := c.do(ctx, http.MethodGet, "/flow/about", nil, nil, &about); err != nil {
		return "", err
	}
	return strings.TrimSpace(about.About.Title + " " + about.About.Version), nil
}

// AuthenticationConfiguration reports which login flows the cluster offers
func (c *Client) AuthenticationConfiguration(ctx context.Context) (*AuthConfig, error) {
	var entity authConfigEntity
	if err := c.do(ctx, http.MethodGet, "/authentication/configuration", nil, nil, &entity); err != nil {
		return nil, err
	}
	return &entity.AuthenticationConfiguration, nil
}

// Logout ends a session opened with a username and password and drops the
// cached token; the next request logs in again. Tokens the client did not
// obtain by logging in are left alone.
func (c *Client) Logout(ctx context.Context) error {
	if c.session == nil || !c.session.loggedIn() {
		return nil
	}
	if err := c.do(ctx, http.MethodDelete, "/access/logout", nil, nil, nil); err != nil {
		return err
	}
	c.session.reset()
	c.logger.Debug().Msg("Logged out")
	return nil
}

// Fetch implements cluster.Cluster
func (c *Client) Fetch(ctx context.Context, ref types.EntityRef) (*cluster.Entity, error) {
	path, err := entityPath(ref)
	if err != nil {
		return nil, err
	}

	ent := &cluster.Entity{Ref: ref}
	switch ref.Kind {
	case types.KindParameterContext:
		var e entity[parameterContextDTO]
		if err := c.do(ctx, http.MethodGet, path, nil, nil, &e); err != nil {
			return nil, err
		}
		ent.Spec, ent.Revision = parameterContextSpec(e.Component), token(e.Revision)

	case types.KindProcessGroup:
		var e entity[processGroupDTO]
		if err := c.do(ctx, http.MethodGet, path, nil, nil, &e); err != nil {
			return nil, err
		}
		if ref.ID == types.RootGroupID {
			c.learnRoot(e.ID)
		}
		ent.Spec, ent.Revision = groupSpec(e.Component), token(e.Revision)
		ent.Parent = c.groupRef(e.Component.ParentGroupID)

	case types.KindControllerService:
		var e entity[controllerServiceDTO]
		if err := c.do(ctx, http.MethodGet, path, nil, nil, &e); err != nil {
			return nil, err
		}
		ent.Spec, ent.Revision = serviceSpec(e.Component), token(e.Revision)
		ent.Parent = c.groupRef(e.Component.ParentGroupID)
		ent.RunStatus = serviceStatus(e.Component)

	case types.KindProcessor:
		var e entity[processorDTO]
		if err := c.do(ctx, http.MethodGet, path, nil, nil, &e); err != nil {
			return nil, err
		}
		ent.Spec, ent.Revision = processorSpec(e.Component), token(e.Revision)
		ent.Parent = c.groupRef(e.Component.ParentGroupID)
		ent.RunStatus = processorStatus(e.Component)

	case types.KindConnection:
		var e entity[connectionDTO]
		if err := c.do(ctx, http.MethodGet, path, nil, nil, &e); err != nil {
			return nil, err
		}
		ent.Spec, ent.Revision = connectionSpec(e.Component), token(e.Revision)
		ent.Parent = c.groupRef(e.Component.ParentGroupID)
	}
	return ent, nil
}

// ListChildren implements cluster.Cluster
func (c *Client) ListChildren(ctx context.Context, ref types.EntityRef) ([]types.EntityRef, error) {
	if ref.Kind != types.KindProcessGroup {
		return nil, fmt.Errorf("%w: %s cannot contain children", cluster.ErrValidation, ref)
	}
	group := url.PathEscape(ref.ID)

	var refs []types.EntityRef
	if ref.ID == types.RootGroupID {
		var pcs parameterContextsEntity
		if err := c.do(ctx, http.MethodGet, "/flow/parameter-contexts", nil, nil, &pcs); err != nil {
			return nil, err
		}
		for _, pc := range pcs.ParameterContexts {
			refs = append(refs, types.EntityRef{Kind: types.KindParameterContext, ID: pc.ID})
		}
	}

	var flow processGroupFlowEntity
	if err := c.do(ctx, http.MethodGet, "/flow/process-groups/"+group, nil, nil, &flow); err != nil {
		return nil, err
	}
	realID := flow.ProcessGroupFlow.ID
	if ref.ID == types.RootGroupID {
		c.learnRoot(realID)
	}

	query := url.Values{}
	query.Set("includeAncestorGroups", "false")
	query.Set("includeDescendantGroups", "false")
	var services controllerServicesEntity
	if err := c.do(ctx, http.MethodGet, "/flow/process-groups/"+group+"/controller-services", query, nil, &services); err != nil {
		return nil, err
	}
	for _, svc := range services.ControllerServices {
		// older API versions ignore the include flags
		if realID != "" && svc.ParentGroupID != realID {
			continue
		}
		refs = append(refs, types.EntityRef{Kind: types.KindControllerService, ID: svc.ID})
	}

	f := flow.ProcessGroupFlow.Flow
	for _, pg := range f.ProcessGroups {
		refs = append(refs, types.EntityRef{Kind: types.KindProcessGroup, ID: pg.ID})
	}
	for _, p := range f.Processors {
		refs = append(refs, types.EntityRef{Kind: types.KindProcessor, ID: p.ID})
	}
	for _, conn := range f.Connections {
		refs = append(refs, types.EntityRef{Kind: types.KindConnection, ID: conn.ID})
	}
	return refs, nil
}

// Create implements cluster.Cluster
func (c *Client) Create(ctx context.Context, parent types.EntityRef, spec types.Spec) (types.EntityRef, types.RevisionToken, error) {
	kind := spec.Kind()
	rev := revisionDTO{ClientID: c.clientID}

	var path string
	var payload any
	switch s := spec.(type) {
	case types.ParameterContextSpec:
		path = "/parameter-contexts"
		payload = entity[parameterContextDTO]{Revision: rev, Component: parameterContextDTOFrom(s)}
	default:
		if parent.Kind != types.KindProcessGroup || !parent.Exists() {
			return types.EntityRef{}, "", fmt.Errorf("%w: %s needs a process group parent", cluster.ErrValidation, kind)
		}
		path = "/process-groups/" + url.PathEscape(parent.ID) + "/" + resource(kind)
		switch s := spec.(type) {
		case types.ProcessGroupSpec:
			payload = entity[processGroupDTO]{Revision: rev, Component: groupDTO(s)}
		case types.ControllerServiceSpec:
			payload = entity[controllerServiceDTO]{Revision: rev, Component: serviceDTO(s)}
		case types.ProcessorSpec:
			payload = entity[processorDTO]{Revision: rev, Component: processorDTOFrom(s)}
		case types.ConnectionSpec:
			group, err := c.groupID(ctx, parent)
			if err != nil {
				return types.EntityRef{}, "", err
			}
			payload = entity[connectionDTO]{Revision: rev, Component: connectionDTOFrom(s, group)}
		default:
			return types.EntityRef{}, "", fmt.Errorf("%w: unsupported spec %T", cluster.ErrValidation, spec)
		}
	}

	var created envelope
	if err := c.do(ctx, http.MethodPost, path, nil, payload, &created); err != nil {
		return types.EntityRef{}, "", err
	}
	if created.ID == "" {
		return types.EntityRef{}, "", fmt.Errorf("%w: POST %s returned no id", cluster.ErrTransport, path)
	}
	c.logger.Debug().Str("kind", string(kind)).Str("id", created.ID).Msg("Entity created")
	return types.EntityRef{Kind: kind, ID: created.ID}, token(created.Revision), nil
}

// Update implements cluster.Cluster
func (c *Client) Update(ctx context.Context, ref types.EntityRef, tok types.RevisionToken, spec types.Spec) (types.RevisionToken, error) {
	if spec.Kind() != ref.Kind {
		return "", fmt.Errorf("%w: cannot update %s with a %s spec", cluster.ErrValidation, ref, spec.Kind())
	}
	path, err := entityPath(ref)
	if err != nil {
		return "", err
	}
	rev, err := c.revision(tok)
	if err != nil {
		return "", err
	}

	var payload any
	switch s := spec.(type) {
	case types.ParameterContextSpec:
		d := parameterContextDTOFrom(s)
		d.ID = ref.ID
		payload = entity[parameterContextDTO]{ID: ref.ID, Revision: rev, Component: d}
	case types.ProcessGroupSpec:
		d := groupDTO(s)
		d.ID = ref.ID
		payload = entity[processGroupDTO]{ID: ref.ID, Revision: rev, Component: d}
	case types.ControllerServiceSpec:
		d := serviceDTO(s)
		d.ID = ref.ID
		payload = entity[controllerServiceDTO]{ID: ref.ID, Revision: rev, Component: d}
	case types.ProcessorSpec:
		d := processorDTOFrom(s)
		d.ID = ref.ID
		payload = entity[processorDTO]{ID: ref.ID, Revision: rev, Component: d}
	case types.ConnectionSpec:
		// endpoints are addressed within the owning group
		current, err := c.Fetch(ctx, ref)
		if err != nil {
			return "", err
		}
		group, err := c.groupID(ctx, current.Parent)
		if err != nil {
			return "", err
		}
		d := connectionDTOFrom(s, group)
		d.ID = ref.ID
		payload = entity[connectionDTO]{ID: ref.ID, Revision: rev, Component: d}
	default:
		return "", fmt.Errorf("%w: unsupported spec %T", cluster.ErrValidation, spec)
	}

	var updated envelope
	if err := c.do(ctx, http.MethodPut, path, nil, payload, &updated); err != nil {
		return "", err
	}
	return token(updated.Revision), nil
}

// Delete implements cluster.Cluster
func (c *Client) Delete(ctx context.Context, ref types.EntityRef, tok types.RevisionToken) error {
	path, err := entityPath(ref)
	if err != nil {
		return err
	}
	rev, err := c.revision(tok)
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("version", strconv.FormatInt(rev.Version, 10))
	query.Set("clientId", rev.ClientID)
	return c.do(ctx, http.MethodDelete, path, query, nil, nil)
}

// SetRunStatus implements cluster.Cluster
func (c *Client) SetRunStatus(ctx context.Context, ref types.EntityRef, tok types.RevisionToken, status types.RunStatus) (types.RevisionToken, error) {
	if !ref.Kind.Runnable() {
		return "", fmt.Errorf("%w: %s has no run status", cluster.ErrValidation, ref)
	}
	if status == types.RunStatusInvalid || status == types.RunStatusNone {
		return "", fmt.Errorf("%w: run status %q cannot be requested", cluster.ErrValidation, status)
	}
	path, err := entityPath(ref)
	if err != nil {
		return "", err
	}
	rev, err := c.revision(tok)
	if err != nil {
		return "", err
	}

	var updated envelope
	payload := runStatusEntity{Revision: rev, State: wireState(ref.Kind, status)}
	if err := c.do(ctx, http.MethodPut, path+"/run-status", nil, payload, &updated); err != nil {
		return "", err
	}
	return token(updated.Revision), nil
}

// IsAPIError reports whether err carries an API answer with the given status
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
