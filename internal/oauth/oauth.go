// Package oauth layers the user-facing conveniences (login URL, code
// exchange, JSAPI signatures) on top of the credential manager.
package oauth

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tokend/internal/signature"
	"tokend/internal/token"
	"tokend/pkg/config"
)

const defaultAuthBase = "https://login.dingtalk.com"

// UserInfo identifies the platform user resolved from a login code.
type UserInfo struct {
	UserID  string `json:"user_id,omitempty"`
	UnionID string `json:"union_id,omitempty"`
	OpenID  string `json:"open_id,omitempty"`
	Nick    string `json:"nick,omitempty"`
}

// JsAPISignature is the bundle a web client needs to call the JS API from
// a specific page URL.
type JsAPISignature struct {
	Signature string   `json:"signature"`
	NonceStr  string   `json:"nonce_str"`
	Timestamp int64    `json:"timestamp"`
	Ticket    string   `json:"ticket"`
	APIList   []string `json:"api_list,omitempty"`
}

type Service struct {
	cfg      config.Config
	mgr      *token.Manager
	tickets  token.TicketAcquirer
	client   *http.Client
	log      *zap.SugaredLogger
	authBase string
	now      func() time.Time
	nonce    func() string
}

func NewService(cfg config.Config, mgr *token.Manager, tickets token.TicketAcquirer, log *zap.SugaredLogger) *Service {
	return &Service{
		cfg:      cfg,
		mgr:      mgr,
		tickets:  tickets,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		log:      log,
		authBase: defaultAuthBase,
		now:      time.Now,
		nonce:    uuid.NewString,
	}
}

// AuthURL builds the browser redirect that starts the authorization-code
// login flow.
func (s *Service) AuthURL(redirectURI, state string, scopes []string) string {
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	q := url.Values{}
	q.Set("client_id", s.mgr.Credentials().AppKey)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("redirect_uri", redirectURI)
	q.Set("prompt", "consent")
	return s.authBase + "/oauth2/auth?" + q.Encode()
}

// UserByCode exchanges a login code for the user identity behind it.
func (s *Service) UserByCode(ctx context.Context, code string) (UserInfo, error) {
	if s.cfg.APIVersion == config.APIVersionLegacy {
		return s.userByCodeLegacy(ctx, code)
	}
	return s.userByCodeCurrent(ctx, code)
}

func (s *Service) userByCodeLegacy(ctx context.Context, code string) (UserInfo, error) {
	at, err := s.mgr.GetAccessToken(ctx)
	if err != nil {
		return UserInfo{}, err
	}
	q := url.Values{}
	q.Set("access_token", at)
	q.Set("code", code)
	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		UserID  string `json:"userid"`
	}
	if err := s.getJSON(ctx, strings.TrimRight(s.cfg.APIBaseURL, "/")+"/user/getuserinfo?"+q.Encode(), "", &out); err != nil {
		return UserInfo{}, err
	}
	if out.ErrCode != 0 {
		return UserInfo{}, token.ClassifyCode(s.cfg.APIVersion, 0, fmt.Sprintf("%d", out.ErrCode), out.ErrMsg)
	}
	return UserInfo{UserID: out.UserID}, nil
}

func (s *Service) userByCodeCurrent(ctx context.Context, code string) (UserInfo, error) {
	cred := s.mgr.Credentials()
	body, _ := json.Marshal(map[string]string{
		"clientId":     cred.AppKey,
		"clientSecret": cred.AppSecret,
		"code":         code,
		"grantType":    "authorization_code",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.APIBaseURL, "/")+"/v1.0/oauth2/userAccessToken", bytes.NewReader(body))
	if err != nil {
		return UserInfo{}, &token.NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return UserInfo{}, &token.NetworkError{Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var grant struct {
		AccessToken string `json:"accessToken"`
		Code        string `json:"code"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(raw, &grant); err != nil {
		return UserInfo{}, &token.NetworkError{Err: fmt.Errorf("decode user token: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UserInfo{}, token.ClassifyCode(s.cfg.APIVersion, resp.StatusCode, grant.Code, grant.Message)
	}

	var me struct {
		Nick    string `json:"nick"`
		UnionID string `json:"unionId"`
		OpenID  string `json:"openId"`
	}
	if err := s.getJSON(ctx, strings.TrimRight(s.cfg.APIBaseURL, "/")+"/v1.0/contact/users/me", grant.AccessToken, &me); err != nil {
		return UserInfo{}, err
	}
	return UserInfo{UnionID: me.UnionID, OpenID: me.OpenID, Nick: me.Nick}, nil
}

// JsAPISign produces the signature bundle for one page URL. The ticket is
// a secondary credential cached in the token store under the same envelope
// rules as the access token.
func (s *Service) JsAPISign(ctx context.Context, pageURL string, apiList []string) (JsAPISignature, error) {
	ticket, err := s.ticket(ctx)
	if err != nil {
		return JsAPISignature{}, err
	}
	nonce := s.nonce()
	ts := s.now().Unix()
	return JsAPISignature{
		Signature: signature.TicketSignature(ticket, nonce, ts, pageURL),
		NonceStr:  nonce,
		Timestamp: ts,
		Ticket:    ticket,
		APIList:   apiList,
	}, nil
}

func (s *Service) ticket(ctx context.Context) (string, error) {
	cred := s.mgr.Credentials()
	key := token.TicketKey(cred.AppKey, s.mgr.APIVersion())
	store := s.mgr.Store()

	if env, ok, err := store.Get(ctx, key); err == nil && ok && s.mgr.IsTokenValid(env.Token, env.ExpireAt) {
		return env.Token, nil
	}

	at, err := s.mgr.GetAccessToken(ctx)
	if err != nil {
		return "", err
	}
	g, err := s.tickets.AcquireTicket(ctx, at)
	if err != nil {
		s.log.Errorw("jsapi ticket acquisition failed", "app_key", cred.AppKey, "err", err)
		return "", err
	}
	env := token.Envelope{Token: g.Token, ExpireAt: s.now().Add(g.TTL).Unix()}
	if err := store.Set(ctx, key, env, g.TTL); err != nil {
		s.log.Warnw("jsapi ticket cache write failed", "app_key", cred.AppKey, "err", err)
	}
	return g.Token, nil
}

func (s *Service) getJSON(ctx context.Context, rawURL, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &token.NetworkError{Err: err}
	}
	if bearer != "" {
		req.Header.Set("x-acs-dingtalk-access-token", bearer)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &token.NetworkError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &token.NetworkError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return token.ClassifyCode(s.cfg.APIVersion, resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &token.NetworkError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
