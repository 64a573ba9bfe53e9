package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrConfiguration = fmt.Errorf("missing or invalid configuration")
	ErrInvalidConfig = fmt.Errorf("invalid configuration")

	// Authorization flow errors
	ErrUnauthenticated     = fmt.Errorf("not authenticated")
	ErrInvalidState        = fmt.Errorf("invalid state parameter")
	ErrMissingCode         = fmt.Errorf("missing authorization code")
	ErrProviderAuth        = fmt.Errorf("provider declined authorization")
	ErrTokenExchangeFailed = fmt.Errorf("token exchange failed")
	ErrProfileFetchFailed  = fmt.Errorf("profile fetch failed")
	ErrPersistenceFailed   = fmt.Errorf("persistence failed")

	// Token lifecycle errors
	ErrNotConnected      = fmt.Errorf("no connection for user")
	ErrNoRefreshToken    = fmt.Errorf("no refresh token available")
	ErrRefreshFailed     = fmt.Errorf("token refresh failed")
	ErrReconnectRequired = fmt.Errorf("reconnect required")
	ErrTokenExpired      = fmt.Errorf("access token expired")
	ErrTimeout           = fmt.Errorf("operation timed out")

	// API and service errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrTrackNotFound      = fmt.Errorf("track not found")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)
