package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/guildpoint/guildpoint/internal/services/realtime/domain"
)

// httpDirectory answers membership questions against the social service's
// internal API, authenticated by the shared resource secret.
type httpDirectory struct {
	baseURL        string
	resourceSecret string
	client         *http.Client
}

// NewHTTPDirectory builds a domain.MembershipDirectory backed by the social
// service at baseURL.
func NewHTTPDirectory(baseURL, resourceSecret string) (domain.MembershipDirectory, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("social base url is required")
	}
	return &httpDirectory{
		baseURL:        baseURL,
		resourceSecret: resourceSecret,
		client:         &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type membershipCheckRequest struct {
	RoomID string `json:"room_id,omitempty"`
	ClanID string `json:"clan_id,omitempty"`
	UserID string `json:"user_id"`
}

type membershipCheckResponse struct {
	Member bool `json:"member"`
}

func (d *httpDirectory) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	return d.check(ctx, "/internal/rooms/membership", membershipCheckRequest{RoomID: roomID, UserID: userID})
}

func (d *httpDirectory) IsClanMember(ctx context.Context, clanID, userID string) (bool, error) {
	return d.check(ctx, "/internal/clans/membership", membershipCheckRequest{ClanID: clanID, UserID: userID})
}

func (d *httpDirectory) check(ctx context.Context, path string, payload membershipCheckRequest) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode membership check: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build membership check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.resourceSecret != "" {
		req.Header.Set("X-Resource-Secret", d.resourceSecret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("membership check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("membership check: unexpected status %d", resp.StatusCode)
	}

	var result membershipCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode membership check response: %w", err)
	}
	return result.Member, nil
}
