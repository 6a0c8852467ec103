package storage

import (
	"net/url"
	"strings"
)

// DefaultNamespace prefixes every key the SDK writes.
const DefaultNamespace = "tabtrail"

// Keys builds the namespaced key layout. Variable components are escaped so
// that ids containing the separator cannot collide.
type Keys struct {
	Namespace string
}

// NewKeys returns the key layout for namespace, or the default namespace when
// empty.
func NewKeys(namespace string) Keys {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Keys{Namespace: namespace}
}

// Prefix is shared by every key in the namespace.
func (k Keys) Prefix() string {
	ns := k.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + ":"
}

func (k Keys) Session() string          { return k.Prefix() + "session" }
func (k Keys) TabPrefix() string        { return k.Prefix() + "tab:" }
func (k Keys) Tab(tabID string) string  { return k.TabPrefix() + escape(tabID) }
func (k Keys) RecoveryContext() string  { return k.Prefix() + "crosstab_context" }
func (k Keys) RecoveryAttempts() string { return k.Prefix() + "recovery_attempts" }
func (k Keys) UserID() string           { return k.Prefix() + "uid" }
func (k Keys) BacklogPrefix() string    { return k.Prefix() + "backlog:" }

// Backlog is the delivery backlog key for one integration and user.
func (k Keys) Backlog(integration, userID string) string {
	return k.BacklogPrefix() + escape(integration) + ":" + escape(userID)
}

// ParseBacklog splits a backlog key into integration and user id.
func (k Keys) ParseBacklog(key string) (integration, userID string, ok bool) {
	rest, found := strings.CutPrefix(key, k.BacklogPrefix())
	if !found {
		return "", "", false
	}
	rawIntegration, rawUser, found := strings.Cut(rest, ":")
	if !found {
		return "", "", false
	}
	integration, err := url.QueryUnescape(rawIntegration)
	if err != nil {
		return "", "", false
	}
	userID, err = url.QueryUnescape(rawUser)
	if err != nil {
		return "", "", false
	}
	return integration, userID, true
}

func escape(s string) string {
	return url.QueryEscape(s)
}
