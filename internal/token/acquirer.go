package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"
	"go.uber.org/zap"

	"tokend/pkg/apps"
	"tokend/pkg/config"
)

// Grant is one freshly issued credential and its remaining lifetime.
type Grant struct {
	Token string
	TTL   time.Duration
}

// Acquirer performs exactly one round-trip to the platform token endpoint.
// Retries belong to RetryPolicy, never here.
type Acquirer interface {
	Acquire(ctx context.Context, app apps.App) (Grant, error)
}

// TicketAcquirer fetches the secondary JSAPI ticket credential using an
// already valid access token.
type TicketAcquirer interface {
	AcquireTicket(ctx context.Context, accessToken string) (Grant, error)
}

// versionProfile describes where each field of interest lives in a token
// response, per API version. Adding a version is a table entry, not code.
type versionProfile struct {
	token  *jmespath.JMESPath
	ttl    *jmespath.JMESPath
	code   *jmespath.JMESPath
	msg    *jmespath.JMESPath
	ticket *jmespath.JMESPath
}

var profiles = map[string]versionProfile{
	config.APIVersionLegacy: {
		token:  jmespath.MustCompile("access_token"),
		ttl:    jmespath.MustCompile("expires_in"),
		code:   jmespath.MustCompile("errcode"),
		msg:    jmespath.MustCompile("errmsg"),
		ticket: jmespath.MustCompile("ticket"),
	},
	config.APIVersionCurrent: {
		token:  jmespath.MustCompile("accessToken"),
		ttl:    jmespath.MustCompile("expireIn"),
		code:   jmespath.MustCompile("code"),
		msg:    jmespath.MustCompile("message"),
		ticket: jmespath.MustCompile("jsapiTicket"),
	},
}

// HTTPAcquirer talks to the real platform API. Shapes are bit-exact wire
// contracts:
//
//	v1: GET  {base}/gettoken?appkey=&appsecret=         -> {errcode, errmsg, access_token, expires_in}
//	v2: POST {base}/v1.0/oauth2/accessToken {appKey,..} -> {accessToken, expireIn}
type HTTPAcquirer struct {
	base    string
	version string
	client  *http.Client
	log     *zap.SugaredLogger
}

func NewHTTPAcquirer(cfg config.Config, log *zap.SugaredLogger) *HTTPAcquirer {
	return &HTTPAcquirer{
		base:    strings.TrimRight(cfg.APIBaseURL, "/"),
		version: cfg.APIVersion,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		log:     log,
	}
}

func (a *HTTPAcquirer) Acquire(ctx context.Context, app apps.App) (Grant, error) {
	if app.AppKey == "" || app.AppSecret == "" {
		return Grant{}, &ConfigError{Field: "app credentials"}
	}
	var req *http.Request
	var err error
	if a.version == config.APIVersionLegacy {
		q := url.Values{}
		q.Set("appkey", app.AppKey)
		q.Set("appsecret", app.AppSecret)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/gettoken?"+q.Encode(), nil)
	} else {
		body, _ := json.Marshal(map[string]string{"appKey": app.AppKey, "appSecret": app.AppSecret})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v1.0/oauth2/accessToken", bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return Grant{}, &NetworkError{Err: err}
	}
	return a.roundTrip(req, profiles[a.version].token)
}

func (a *HTTPAcquirer) AcquireTicket(ctx context.Context, accessToken string) (Grant, error) {
	var req *http.Request
	var err error
	if a.version == config.APIVersionLegacy {
		q := url.Values{}
		q.Set("access_token", accessToken)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/get_jsapi_ticket?"+q.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v1.0/oauth2/jsapiTickets", strings.NewReader("{}"))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("x-acs-dingtalk-access-token", accessToken)
		}
	}
	if err != nil {
		return Grant{}, &NetworkError{Err: err}
	}
	return a.roundTrip(req, profiles[a.version].ticket)
}

// roundTrip executes the request, surfaces platform errors through the
// classifier, and extracts the credential named by valueExpr.
func (a *HTTPAcquirer) roundTrip(req *http.Request, valueExpr *jmespath.JMESPath) (Grant, error) {
	prof := profiles[a.version]

	resp, err := a.client.Do(req)
	if err != nil {
		return Grant{}, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Grant{}, &NetworkError{Err: err}
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Grant{}, &NetworkError{Err: fmt.Errorf("decode response: %w", err)}
	}

	code := searchString(prof.code, data)
	msg := searchString(prof.msg, data)

	if a.version == config.APIVersionLegacy {
		if code != "" && code != "0" {
			return Grant{}, ClassifyCode(a.version, 0, code, msg)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Grant{}, ClassifyCode(a.version, resp.StatusCode, code, msg)
	}

	tok := searchString(valueExpr, data)
	if tok == "" {
		return Grant{}, &NetworkError{Err: fmt.Errorf("token missing from response")}
	}
	ttl := searchInt(prof.ttl, data)
	if ttl <= 0 {
		ttl = 7200 // platform default lifetime
	}
	return Grant{Token: tok, TTL: time.Duration(ttl) * time.Second}, nil
}

func searchString(expr *jmespath.JMESPath, data any) string {
	v, err := expr.Search(data)
	if err != nil || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func searchInt(expr *jmespath.JMESPath, data any) int64 {
	v, err := expr.Search(data)
	if err != nil || v == nil {
		return 0
	}
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return 0
}
