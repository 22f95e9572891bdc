package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rickgao/chat-relay/internal/auth"
)

// PlatformStatus fetches the bridge status for a platform.
func (c *Client) PlatformStatus(ctx context.Context, platform string) (*PlatformStatusResponse, error) {
	var resp PlatformStatusResponse
	path := "/platforms/" + url.PathEscape(auth.FoldPlatform(platform)) + "/status"
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get platform status %s: %w", platform, err)
	}
	return &resp, nil
}

// Ready implements auth.Prober.
func (c *Client) Ready(ctx context.Context, platform string) (bool, error) {
	status, err := c.PlatformStatus(ctx, platform)
	if err != nil {
		return false, err
	}
	if !status.Ready() {
		c.logger.Debug("platform bridge not ready",
			"platform", platform,
			"state", status.State,
			"message", status.Message,
		)
	}
	return status.Ready(), nil
}

var _ auth.Prober = (*Client)(nil)
