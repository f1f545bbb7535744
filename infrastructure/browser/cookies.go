package browser

import (
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// FromNetworkCookies converts protocol cookies.
func FromNetworkCookies(in []*network.Cookie) []Cookie {
	cookies := make([]Cookie, len(in))
	for i, nc := range in {
		cookies[i] = Cookie{
			Name:         nc.Name,
			Value:        nc.Value,
			Domain:       nc.Domain,
			Path:         nc.Path,
			Expires:      nc.Expires,
			HTTPOnly:     nc.HTTPOnly,
			Secure:       nc.Secure,
			SameSite:     string(nc.SameSite),
			SourcePort:   int(nc.SourcePort),
			SourceScheme: string(nc.SourceScheme),
			Priority:     string(nc.Priority),
		}
	}
	return cookies
}

// ToCookieParams converts cookies for Storage.setCookies.
func ToCookieParams(cookies []Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			ts := cdp.TimeSinceEpoch(timeFromEpoch(c.Expires))
			p.Expires = &ts
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Priority != "" {
			p.Priority = network.CookiePriority(c.Priority)
		}
		if c.SourceScheme != "" {
			p.SourceScheme = network.CookieSourceScheme(c.SourceScheme)
		}
		if c.SourcePort > 0 {
			p.SourcePort = int64(c.SourcePort)
		}
		params = append(params, p)
	}
	return params
}

func timeFromEpoch(sec float64) time.Time {
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9))
}
