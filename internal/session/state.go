package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/danmuck/apisession/internal/apierr"
)

// Serialized state keys.
const (
	KeyUID          = "UID"
	KeyAccessToken  = "AccessToken"
	KeyRefreshToken = "RefreshToken"
	KeyScopes       = "Scopes"
	KeyEnvironment  = "Environment"
	KeyAccountName  = "AccountName"
	KeyLastUseData  = "LastUseData"

	lastUseTwoFactor       = "2FA"
	lastUseAppVersion      = "appVersion"
	lastUseUserAgent       = "userAgent"
	lastUseRefreshRevision = "refreshRevision"
)

// Keys written by older releases inside LastUseData.
var legacyLastUseKeys = map[string]string{
	lastUseAppVersion:      "appversion",
	lastUseUserAgent:       "user_agent",
	lastUseRefreshRevision: "refresh_revision",
}

var reservedKeys = []string{
	KeyUID, KeyAccessToken, KeyRefreshToken, KeyScopes,
	KeyEnvironment, KeyAccountName, KeyLastUseData,
}

var ErrReservedKey = errors.New("session: reserved state key")

const scopeTwoFactor = "twofactor"

// State is the authentication data of a session. UID is empty iff the session
// is not authenticated.
type State struct {
	UID             string
	AccessToken     string
	RefreshToken    string
	Scopes          []string
	AccountName     string
	RefreshRevision int
	// TwoFactor is the server's 2FA descriptor while a challenge is pending.
	TwoFactor any
	// Extra holds caller data that round-trips through serialization.
	Extra map[string]any
}

func (st State) Authenticated() bool {
	return st.UID != ""
}

// NeedsTwoFactor reports whether the session still lacks its second factor.
func (st State) NeedsTwoFactor() bool {
	return slices.Contains(st.Scopes, scopeTwoFactor)
}

func (st State) clone() State {
	st.Scopes = slices.Clone(st.Scopes)
	st.Extra = maps.Clone(st.Extra)
	return st
}

// clear drops the session credentials. AccountName and RefreshRevision are
// kept so observers can erase the account and later refreshes stay ordered.
func (st *State) clear() {
	st.UID = ""
	st.AccessToken = ""
	st.RefreshToken = ""
	st.Scopes = nil
	st.TwoFactor = nil
	st.Extra = nil
}

// lastUse carries the values persisted next to the credentials.
type lastUse struct {
	appVersion string
	userAgent  string
}

// encode returns the persisted form. It is empty when unauthenticated.
func (st State) encode(env string, meta lastUse) map[string]any {
	if !st.Authenticated() {
		return map[string]any{}
	}
	data := make(map[string]any, len(st.Extra)+len(reservedKeys))
	for k, v := range st.Extra {
		data[k] = v
	}
	data[KeyUID] = st.UID
	data[KeyAccessToken] = st.AccessToken
	data[KeyRefreshToken] = st.RefreshToken
	data[KeyScopes] = slices.Clone(st.Scopes)
	data[KeyEnvironment] = env
	data[KeyAccountName] = st.AccountName
	data[KeyLastUseData] = map[string]any{
		lastUseTwoFactor:       st.TwoFactor,
		lastUseAppVersion:      meta.appVersion,
		lastUseUserAgent:       meta.userAgent,
		lastUseRefreshRevision: st.RefreshRevision,
	}
	return data
}

// decodeState parses persisted data. Unknown top-level keys land in Extra.
func decodeState(data map[string]any) (State, string, lastUse, error) {
	var st State
	var meta lastUse
	if len(data) == 0 {
		return st, "", meta, nil
	}
	var err error
	if st.UID, err = stringKey(data, KeyUID); err != nil {
		return State{}, "", meta, err
	}
	if st.AccessToken, err = stringKey(data, KeyAccessToken); err != nil {
		return State{}, "", meta, err
	}
	if st.RefreshToken, err = stringKey(data, KeyRefreshToken); err != nil {
		return State{}, "", meta, err
	}
	if st.AccountName, err = stringKey(data, KeyAccountName); err != nil {
		return State{}, "", meta, err
	}
	env, err := stringKey(data, KeyEnvironment)
	if err != nil {
		return State{}, "", meta, err
	}
	if raw, ok := data[KeyScopes]; ok && raw != nil {
		st.Scopes = apierr.StringSlice(raw)
	}

	used, _ := data[KeyLastUseData].(map[string]any)
	st.TwoFactor = used[lastUseTwoFactor]
	st.RefreshRevision = apierr.IntField(used, lastUseKey(used, lastUseRefreshRevision))
	meta.appVersion, _ = used[lastUseKey(used, lastUseAppVersion)].(string)
	meta.userAgent, _ = used[lastUseKey(used, lastUseUserAgent)].(string)

	for k, v := range data {
		if !slices.Contains(reservedKeys, k) {
			if st.Extra == nil {
				st.Extra = map[string]any{}
			}
			st.Extra[k] = v
		}
	}
	return st, env, meta, nil
}

func lastUseKey(used map[string]any, key string) string {
	if _, ok := used[key]; !ok {
		if legacy, ok := legacyLastUseKeys[key]; ok {
			if _, ok := used[legacy]; ok {
				return legacy
			}
		}
	}
	return key
}

func stringKey(data map[string]any, key string) (string, error) {
	switch v := data[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("session: state key %s: unexpected %T", key, v)
	}
}
