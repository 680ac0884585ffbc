package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	extErrors "github.com/pkg/errors"
)

const steamAPIBase = "https://api.steampowered.com/IGameServersService"

// SteamIssuerOptions configures the Steam game server account API client
type SteamIssuerOptions struct {
	APIKey string
	AppID  int
	Memo   string
}

// SteamIssuer mints game server login tokens via the Steam Web API
type SteamIssuer struct {
	SteamIssuerOptions
	httpClient *http.Client
}

var _ TokenIssuer = &SteamIssuer{}

func NewSteamIssuer(option SteamIssuerOptions) (*SteamIssuer, error) {
	if option.APIKey == "" {
		return nil, fmt.Errorf("empty APIKey is invalid")
	}
	if option.AppID == 0 {
		return nil, fmt.Errorf("zero AppID is invalid")
	}
	return &SteamIssuer{
		SteamIssuerOptions: option,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

func (s *SteamIssuer) Create(ctx context.Context) (*Token, error) {
	params := url.Values{}
	params.Set("key", s.APIKey)
	params.Set("appid", fmt.Sprintf("%d", s.AppID))
	params.Set("memo", s.Memo)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		steamAPIBase+"/CreateAccount/v1/?"+params.Encode(), strings.NewReader(""))
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot reach token issuer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token issuer returned status %d", resp.StatusCode)
	}

	var body struct {
		Response struct {
			LoginToken string `json:"login_token"`
			SteamID    string `json:"steamid"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode token issuer response")
	}
	if body.Response.LoginToken == "" {
		return nil, fmt.Errorf("token issuer returned empty login token")
	}
	return &Token{
		LoginToken: body.Response.LoginToken,
		ExternalID: body.Response.SteamID,
	}, nil
}

func (s *SteamIssuer) Banned(ctx context.Context, loginToken string) (bool, error) {
	params := url.Values{}
	params.Set("key", s.APIKey)
	params.Set("login_token", loginToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		steamAPIBase+"/QueryLoginToken/v1/?"+params.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot reach token issuer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("token issuer returned status %d", resp.StatusCode)
	}

	var body struct {
		Response struct {
			IsBanned bool `json:"is_banned"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, extErrors.Wrap(err, "Cannot decode token issuer response")
	}
	return body.Response.IsBanned, nil
}
