package traccar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

// SessionCookieName is the cookie preferred as the session token.
const SessionCookieName = "JSESSIONID"

// ErrNoSessionCookie is wrapped by AuthError when a successful response
// carries no cookie.
var ErrNoSessionCookie = errors.New("response carries no session cookie")

// AuthError reports a failed session request.
type AuthError struct {
	StatusCode int // Zero when no response was received
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authenticate: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authenticate: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// sessionUser is the user object returned by a successful session request.
type sessionUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// Authenticate exchanges credentials for a session token with a single
// request. It never retries.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	form := url.Values{}
	form.Set("email", creds.Email)
	form.Set("password", creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(SessionPath), strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var user sessionUser
	if err := json.Unmarshal(body, &user); err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed session response: %w", err)}
	}

	token, ok := sessionToken(resp.Cookies())
	if !ok {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: ErrNoSessionCookie}
	}
	return token, nil
}

// sessionToken picks the session cookie, falling back to the first cookie set.
func sessionToken(cookies []*http.Cookie) (Token, bool) {
	var first *http.Cookie
	for _, cookie := range cookies {
		if cookie.Value == "" {
			continue
		}
		if cookie.Name == SessionCookieName {
			return Token(cookie.Name + "=" + cookie.Value), true
		}
		if first == nil {
			first = cookie
		}
	}
	if first == nil {
		return "", false
	}
	return Token(first.Name + "=" + first.Value), true
}
