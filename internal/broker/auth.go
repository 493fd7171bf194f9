// Package broker holds the external-collaborator boundary: session
// establishment, the analytics REST endpoint, and the push-channel
// transport. The rest of the pipeline only sees the interfaces and sentinel
// errors defined here.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://apiconnect.angelone.in"
	loginPath      = "/rest/auth/angelbroking/user/v1/loginByPassword"
)

// Credentials are the broker login inputs. TOTP is the current one-time
// code; computing it from the shared secret is left to the operator's
// tooling.
type Credentials struct {
	APIKey     string
	ClientCode string
	PIN        string
	TOTP       string
}

// Session carries the tokens a logged-in collaborator needs.
type Session struct {
	AuthToken  string // "Bearer ..." JWT for REST calls
	FeedToken  string
	ClientCode string
	APIKey     string
}

type Auth struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
	logger     *zap.Logger
}

func NewAuth(creds Credentials, logger *zap.Logger) *Auth {
	return &Auth{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		creds:      creds,
		logger:     logger,
	}
}

type loginResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		JWTToken  string `json:"jwtToken"`
		FeedToken string `json:"feedToken"`
	} `json:"data"`
}

// Login establishes a broker session. Failures are wrapped in ErrAuthFailed
// so callers can distinguish a credential problem from a transport hiccup.
func (a *Auth) Login(ctx context.Context) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"clientcode": a.creds.ClientCode,
		"password":   a.creds.PIN,
		"totp":       a.creds.TOTP,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating login request: %w", err)
	}
	for k, v := range apiHeaders(a.creds.APIKey, "") {
		req.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	var parsed loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}
	if !parsed.Status || parsed.Data.JWTToken == "" || parsed.Data.FeedToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, parsed.Message)
	}

	token := parsed.Data.JWTToken
	if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = "Bearer " + token
	}

	a.logger.Info("broker session established", zap.String("client_code", a.creds.ClientCode))
	return &Session{
		AuthToken:  token,
		FeedToken:  parsed.Data.FeedToken,
		ClientCode: a.creds.ClientCode,
		APIKey:     a.creds.APIKey,
	}, nil
}

// apiHeaders builds the identification headers the broker requires on every
// REST call.
func apiHeaders(apiKey, authToken string) map[string]string {
	ip := localIP()
	h := map[string]string{
		"Content-Type":     "application/json",
		"Accept":           "application/json",
		"X-PrivateKey":     apiKey,
		"X-UserType":       "USER",
		"X-SourceID":       "WEB",
		"X-ClientLocalIP":  ip,
		"X-ClientPublicIP": ip,
		"X-MACAddress":     macAddress(),
	}
	if authToken != "" {
		h["Authorization"] = authToken
	}
	return h
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0 {
			return iface.HardwareAddr.String()
		}
	}
	return "00:00:00:00:00:00"
}
