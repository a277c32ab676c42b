package gateway

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// Group is the display shape of a gateway group.
type Group struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
	Description  string `json:"description"`
	CreatedAt    any    `json:"created_at"`
}

type Contact struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	IsBusiness bool   `json:"is_business"`
	Status     string `json:"status"`
}

// Health wakes the channel and reports the raw gateway health document.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	q := url.Values{"wakeup": {"true"}, "channel_type": {"web"}}
	var out json.RawMessage
	if err := c.getJSON(ctx, "/health", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Settings returns the channel settings document as-is.
func (c *Client) Settings(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.getJSON(ctx, "/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Groups(ctx context.Context, count int) ([]Group, error) {
	raw, err := c.list(ctx, "/groups", "groups", count)
	if err != nil {
		return nil, err
	}
	out := make([]Group, 0, len(raw))
	for _, g := range raw {
		name := firstString(g, "name", "subject")
		if name == "" {
			name = "Unnamed Group"
		}
		parts, _ := g["participants"].([]any)
		out = append(out, Group{
			ID:           strings.ReplaceAll(firstString(g, "id"), "@g.us", ""),
			Name:         name,
			Participants: len(parts),
			Description:  firstString(g, "description"),
			CreatedAt:    g["created_at"],
		})
	}
	return out, nil
}

func (c *Client) Contacts(ctx context.Context, count int) ([]Contact, error) {
	raw, err := c.list(ctx, "/contacts", "contacts", count)
	if err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(raw))
	for _, ct := range raw {
		id := strings.ReplaceAll(firstString(ct, "id"), "@c.us", "")
		name := firstString(ct, "name", "pushname", "notify")
		if name == "" {
			name = "Unknown"
		}
		biz, _ := ct["is_business"].(bool)
		out = append(out, Contact{
			ID:         id,
			Name:       name,
			Phone:      id,
			IsBusiness: biz,
			Status:     firstString(ct, "status"),
		})
	}
	return out, nil
}

// list accepts either {"<key>": [...]} or a bare array.
func (c *Client) list(ctx context.Context, path, key string, count int) ([]map[string]any, error) {
	var q url.Values
	if count > 0 {
		q = url.Values{"count": {strconv.Itoa(count)}}
	}
	var doc json.RawMessage
	if err := c.getJSON(ctx, path, q, &doc); err != nil {
		return nil, err
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(doc, &wrapped); err == nil {
		if inner, ok := wrapped[key]; ok {
			doc = inner
		}
	}
	var items []map[string]any
	if err := json.Unmarshal(doc, &items); err != nil {
		return []map[string]any{}, nil
	}
	return items, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
