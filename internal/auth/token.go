package auth

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// defaultLifetime is used when a token response carries no expiry at all.
const defaultLifetime = time.Hour

// Token is a usable access token handed to callers of the resource API.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Refreshed   bool // true when this call hit the provider token endpoint
}

// expiryFrom computes an absolute UTC expiry from a token response received at now.
//
// The relative expires_in is preferred over oauth2's Expiry, which is stamped with the wall
// clock rather than now.
func expiryFrom(now time.Time, t *oauth2.Token) time.Time {
	switch secs := expiresIn(t); {
	case secs > 0:
		return now.Add(time.Duration(secs) * time.Second).UTC()
	case !t.Expiry.IsZero():
		return t.Expiry.UTC()
	default:
		return now.Add(defaultLifetime).UTC()
	}
}

func expiresIn(t *oauth2.Token) int64 {
	if t.ExpiresIn > 0 {
		return t.ExpiresIn
	}
	switch v := t.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// scopeOf returns the granted scope from a token response, or fallback when absent.
func scopeOf(t *oauth2.Token, fallback string) string {
	if s, ok := t.Extra("scope").(string); ok && s != "" {
		return s
	}
	return fallback
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
