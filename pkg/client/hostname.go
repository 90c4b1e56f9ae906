package client

import (
	"net"
	"net/url"
	"strings"
)

// defaultRegion is used when only an edge location is configured.
const defaultRegion = "us1"

// resolveHostname rewrites an API host of the form {product}.{domain} into
// {product}.{edge}.{region}.{domain}. Edge and region already present in the
// host are kept unless overridden. IP hosts and hosts without a product label
// are returned unchanged.
func resolveHostname(host, edge, region string) string {
	if edge == "" && region == "" {
		return host
	}

	name, port, err := net.SplitHostPort(host)
	if err != nil {
		name, port = host, ""
	}
	if net.ParseIP(name) != nil {
		return host
	}

	pieces := strings.Split(name, ".")
	if len(pieces) < 3 {
		return host
	}

	product := pieces[0]
	domain := strings.Join(pieces[len(pieces)-2:], ".")

	var currentEdge, currentRegion string
	switch len(pieces) {
	case 4:
		currentRegion = pieces[1]
	case 5:
		currentEdge = pieces[1]
		currentRegion = pieces[2]
	}

	if edge == "" {
		edge = currentEdge
	}
	if region == "" {
		region = currentRegion
	}
	if region == "" && edge != "" {
		region = defaultRegion
	}

	parts := []string{product}
	for _, p := range []string{edge, region} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, domain)

	resolved := strings.Join(parts, ".")
	if port != "" {
		return net.JoinHostPort(resolved, port)
	}
	return resolved
}

// resolveURL applies the configured edge and region to u in place.
func (c *Client) resolveURL(u *url.URL) {
	u.Host = resolveHostname(u.Host, c.config.Edge, c.config.Region)
}
