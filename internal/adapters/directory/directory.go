// Package directory resolves room members to display names through the
// relay's REST API.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/cache"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrUnknownMember = errors.New("unknown member")
)

type Client struct {
	http  *resty.Client
	names *cache.Cache[string]
}

// New builds a client for the relay at baseURL. names is shared by reference
// so callers can invalidate entries.
func New(baseURL string, timeout time.Duration, names *cache.Cache[string]) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		names: names,
	}
}

func nameKey(room domain.RoomID, user domain.UserID) string {
	return string(room) + "/" + string(user)
}

// Members fetches the current member list and refreshes the name cache.
func (c *Client) Members(ctx context.Context, room domain.RoomID) ([]core.MemberDTO, error) {
	var out []core.MemberDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", string(room)).
		SetResult(&out).
		Get("/api/rooms/{id}/members")
	if err != nil {
		return nil, fmt.Errorf("directory: members of %s: %w", room, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("directory: %s: %w", room, ErrRoomNotFound)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("directory: members of %s: status %d", room, resp.StatusCode())
	}
	for _, m := range out {
		c.names.Set(nameKey(room, m.ID), m.Username)
	}
	log.Debug().Str("module", "directory").Str("room", string(room)).Int("members", len(out)).Msg("members fetched")
	return out, nil
}

// DisplayName returns user's name in room, from cache when possible.
func (c *Client) DisplayName(ctx context.Context, room domain.RoomID, user domain.UserID) (string, error) {
	if name, ok := c.names.Get(nameKey(room, user)); ok {
		return name, nil
	}
	members, err := c.Members(ctx, room)
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m.ID == user {
			return m.Username, nil
		}
	}
	return "", fmt.Errorf("directory: %s in %s: %w", user, room, ErrUnknownMember)
}

func (c *Client) Invalidate(room domain.RoomID, user domain.UserID) {
	c.names.Invalidate(nameKey(room, user))
}
