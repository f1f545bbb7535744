package undetected

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/storage"

	"ucdriver-go/infrastructure/browser"
)

// GetCookies reads every browser cookie over DevTools. It works whether or
// not a WebDriver session is attached.
func (c *Chrome) GetCookies(ctx context.Context) ([]browser.Cookie, error) {
	c.trace("GetCookies")
	raw, err := c.ExecuteCDPCmd(ctx, "Storage.getCookies", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}
	var res storage.GetCookiesReturns
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode cookies: %w", err)
	}
	return browser.FromNetworkCookies(res.Cookies), nil
}

// SetCookies writes cookies into the browser over DevTools.
func (c *Chrome) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	c.trace("SetCookies", "count", len(cookies))
	if len(cookies) == 0 {
		return nil
	}
	params := map[string]any{"cookies": browser.ToCookieParams(cookies)}
	if _, err := c.ExecuteCDPCmd(ctx, "Storage.setCookies", params); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}
