package store

import (
	"context"
	"strings"
)

// RedirectTracker remembers the page a visitor was sent away from so it
// can be restored after they authenticate.
type RedirectTracker struct {
	sessions  *SessionStore
	sessionID int64
}

// SafeRedirect reports whether url is a same-site relative path.
func SafeRedirect(url string) bool {
	return strings.HasPrefix(url, "/") &&
		!strings.HasPrefix(url, "//") &&
		!strings.HasPrefix(url, "/\\") &&
		!strings.Contains(url, "://")
}

// Record overwrites the pending intent. Unsafe URLs are ignored.
func (t *RedirectTracker) Record(ctx context.Context, url string) error {
	if t.sessionID == 0 || !SafeRedirect(url) {
		return nil
	}
	return t.sessions.SetRedirect(ctx, t.sessionID, url)
}

// ConsumeAndClear returns the pending intent, if any, and clears it.
func (t *RedirectTracker) ConsumeAndClear(ctx context.Context) (string, bool, error) {
	if t.sessionID == 0 {
		return "", false, nil
	}
	return t.sessions.TakeRedirect(ctx, t.sessionID)
}
