// Package provider adapts the ReceitaWS public registry API (or any endpoint
// speaking the same JSON schema) into the canonical cnpj.Record. It performs
// exactly one HTTP request per Fetch and does no caching, retrying, or rate
// limiting — pacing is the throttle gate's job.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cnpjgate/cnpjgate/internal/cnpj"
)

// maxBodyBytes caps how much of a provider response is read. Real payloads
// are a few KB; the cap protects against a misbehaving endpoint.
const maxBodyBytes = 1 << 20

// bodySnippetLen bounds how much upstream body is kept on errors for logs.
const bodySnippetLen = 512

// Kind classifies provider failures.
type Kind int

const (
	// KindNetwork is a transport-level failure: the request never completed
	// (DNS, connect, TLS, timeout, canceled context).
	KindNetwork Kind = iota
	// KindUpstream is a completed exchange the provider rejected: a non-2xx
	// status, an undecodable payload, or a 200 carrying status "ERROR".
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is the tagged failure result of a Fetch. Status is the HTTP status
// of the exchange (0 when the request never completed) and Body holds a
// truncated copy of the upstream response for diagnostics.
type Error struct {
	Kind    Kind
	Status  int
	Body    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("provider: ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// settings is the hot-reloadable part of the client, swapped atomically so
// in-flight fetches keep a consistent view.
type settings struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

// ReceitaWS fetches registry records over HTTP. Safe for concurrent use;
// Update may be called at any time to apply new configuration.
type ReceitaWS struct {
	httpClient *http.Client
	logger     *slog.Logger
	settings   atomic.Pointer[settings]
}

// Option configures a ReceitaWS client.
type Option func(*ReceitaWS)

// WithHTTPClient overrides the underlying HTTP client, used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *ReceitaWS) { r.httpClient = c }
}

// New creates a provider client. baseURL must not end with a slash; apiKey
// may be empty (ReceitaWS serves unauthenticated requests on the free tier).
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger, opts ...Option) *ReceitaWS {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &ReceitaWS{
		httpClient: &http.Client{},
		logger:     logger,
	}
	r.settings.Store(&settings{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
	})
	for _, o := range opts {
		o(r)
	}
	return r
}

// Update swaps the endpoint, credential, and timeout. In-flight fetches
// finish with the settings they started with.
func (r *ReceitaWS) Update(baseURL, apiKey string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.settings.Store(&settings{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
	})
}

// BaseURL returns the currently configured endpoint.
func (r *ReceitaWS) BaseURL() string { return r.settings.Load().baseURL }

// receita's wire schema. Fields the record does not carry are ignored by
// the decoder; the raw body is retained on the record anyway.
type receitaActivity struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

type receitaPayload struct {
	Status                string            `json:"status"`
	Message               string            `json:"message"`
	Cnpj                  string            `json:"cnpj"`
	Nome                  string            `json:"nome"`
	Fantasia              string            `json:"fantasia"`
	Abertura              string            `json:"abertura"`
	Situacao              string            `json:"situacao"`
	AtividadePrincipal    []receitaActivity `json:"atividade_principal"`
	AtividadesSecundarias []receitaActivity `json:"atividades_secundarias"`
	Logradouro            string            `json:"logradouro"`
	Numero                string            `json:"numero"`
	Complemento           string            `json:"complemento"`
	Bairro                string            `json:"bairro"`
	Municipio             string            `json:"municipio"`
	Uf                    string            `json:"uf"`
	Cep                   string            `json:"cep"`
	Telefone              string            `json:"telefone"`
	Email                 string            `json:"email"`
}

// Fetch performs a single registry lookup for a normalized, validated
// identifier. Failures are always a *Error; callers switch on Kind.
func (r *ReceitaWS) Fetch(ctx context.Context, id string) (*cnpj.Record, error) {
	s := r.settings.Load()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+id, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "building request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("provider: request failed", "cnpj", cnpj.Mask(id), "error", err)
		return nil, &Error{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		r.logger.Warn("provider: reading response failed", "cnpj", cnpj.Mask(id), "error", err)
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: "reading response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("provider: upstream rejected lookup",
			"cnpj", cnpj.Mask(id), "status", resp.StatusCode)
		return nil, &Error{
			Kind:    KindUpstream,
			Status:  resp.StatusCode,
			Body:    snippet(body),
			Message: "unexpected status",
		}
	}

	var p receitaPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &Error{
			Kind:    KindUpstream,
			Status:  resp.StatusCode,
			Body:    snippet(body),
			Message: "undecodable payload",
			Err:     err,
		}
	}

	// ReceitaWS reports lookup failures as HTTP 200 with a tagged payload.
	if strings.EqualFold(p.Status, "ERROR") {
		r.logger.Warn("provider: lookup rejected",
			"cnpj", cnpj.Mask(id), "message", p.Message)
		return nil, &Error{
			Kind:    KindUpstream,
			Status:  resp.StatusCode,
			Body:    snippet(body),
			Message: p.Message,
		}
	}

	rec := &cnpj.Record{
		Cnpj:              cnpj.Normalize(p.Cnpj),
		RazaoSocial:       p.Nome,
		NomeFantasia:      p.Fantasia,
		SituacaoCadastral: p.Situacao,
		DataAbertura:      parseOpenedDate(p.Abertura),
		CnaePrincipal:     joinActivities(p.AtividadePrincipal),
		CnaesSecundarios:  joinActivities(p.AtividadesSecundarias),
		Logradouro:        p.Logradouro,
		Numero:            p.Numero,
		Complemento:       p.Complemento,
		Bairro:            p.Bairro,
		Municipio:         p.Municipio,
		Uf:                p.Uf,
		Cep:               p.Cep,
		Telefone:          p.Telefone,
		Email:             p.Email,
		Raw:               body,
	}
	if rec.Cnpj == "" {
		rec.Cnpj = id
	}

	r.logger.Debug("provider: lookup ok",
		"cnpj", cnpj.Mask(rec.Cnpj), "situacao", rec.SituacaoCadastral)
	return rec, nil
}

// parseOpenedDate parses the registry's dd/mm/yyyy opening date. The field
// is informational, so a blank or malformed value yields nil rather than
// failing the whole lookup.
func parseOpenedDate(s string) *time.Time {
	t, err := time.Parse("02/01/2006", s)
	if err != nil {
		return nil
	}
	return &t
}

// joinActivities renders CNAE activity entries as "code - text" joined by
// "; ". Entries missing one half keep the other; fully empty entries are
// skipped.
func joinActivities(acts []receitaActivity) string {
	parts := make([]string, 0, len(acts))
	for _, a := range acts {
		switch {
		case a.Code == "" && a.Text == "":
			continue
		case a.Code == "":
			parts = append(parts, a.Text)
		case a.Text == "":
			parts = append(parts, a.Code)
		default:
			parts = append(parts, a.Code+" - "+a.Text)
		}
	}
	return strings.Join(parts, "; ")
}

func snippet(body []byte) string {
	if len(body) > bodySnippetLen {
		body = body[:bodySnippetLen]
	}
	return string(body)
}
