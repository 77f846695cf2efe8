package main

import (
	"net/http"
	"time"
)

// poolView is the read-only snapshot served by the status surface.
type poolView struct {
	Generation          uint64        `json:"generation"`
	TotalAccounts       int           `json:"totalAccounts"`
	AvailableAccounts   int           `json:"availableAccounts"`
	RateLimitedAccounts int           `json:"rateLimitedAccounts"`
	AuthErrorAccounts   int           `json:"authErrorAccounts"`
	DisabledAccounts    int           `json:"disabledAccounts"`
	NextAccount         string        `json:"nextAccount,omitempty"`
	Accounts            []accountView `json:"accounts"`
}

type accountView struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	ExpiresAt        time.Time  `json:"tokenExpiresAt"`
	ExpiresInSeconds int64      `json:"tokenExpiresIn"`
	RateLimitedUntil *time.Time `json:"rateLimitedUntil,omitempty"`
	LastUsed         *time.Time `json:"lastUsed,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	InFlightRefresh  bool       `json:"inFlightRefresh"`
}

// view builds a point-in-time snapshot. Lapsed cooldowns are reported as
// available without mutating the accounts; NextAccount is what acquire would
// return next, computed without advancing the cursor.
func (p *pool) view() poolView {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	v := poolView{
		Generation:    p.generation,
		TotalAccounts: len(p.accounts),
		Accounts:      make([]accountView, 0, len(p.accounts)),
	}

	for _, a := range p.accounts {
		state := effectiveStateLocked(a, now)
		switch state {
		case stateAvailable:
			v.AvailableAccounts++
		case stateRateLimited:
			v.RateLimitedAccounts++
		case stateAuthError:
			v.AuthErrorAccounts++
		case stateDisabled:
			v.DisabledAccounts++
		}

		av := accountView{
			Name:             a.Name,
			State:            string(state),
			ExpiresAt:        a.ExpiresAt,
			ExpiresInSeconds: int64(a.ExpiresAt.Sub(now).Seconds()),
			LastError:        a.LastError,
			InFlightRefresh:  a.InFlightRefresh,
		}
		if state == stateRateLimited {
			until := a.RateLimitedUntil
			av.RateLimitedUntil = &until
		}
		if !a.LastUsed.IsZero() {
			used := a.LastUsed
			av.LastUsed = &used
		}
		v.Accounts = append(v.Accounts, av)
	}

	n := len(p.accounts)
	for i := 0; i < n; i++ {
		a := p.accounts[(p.cursor+i)%n]
		if effectiveStateLocked(a, now) == stateAvailable {
			v.NextAccount = a.Name
			break
		}
	}
	return v
}

func (s *server) servePoolView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, s.pool.view())
}

// serveAccountAction handles POST /admin/accounts/{name}/{action} with
// action one of refresh, enable, disable.
func (s *server) serveAccountAction(w http.ResponseWriter, r *http.Request, name, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch action {
	case "refresh":
		err = s.refresher.forceRefresh(name)
	case "enable":
		err = s.pool.enable(name)
	case "disable":
		err = s.pool.disable(name)
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		writeDispatchError(w, unknownAccountError(name))
		return
	}
	respondJSON(w, map[string]any{"ok": true, "account": name, "action": action})
}
