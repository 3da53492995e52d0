// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
)

type contextKey string

var contextKeyCredentials contextKey = "credentials"

// LoadToken wraps next, parsing the request's credentials once and
// storing them in the request context for CredentialsFromRequest.
func LoadToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, withCredentials(r))
	})
}

func withCredentials(r *http.Request) *http.Request {
	if _, ok := FromContext(r.Context()); ok {
		return r
	}
	return r.WithContext(NewContext(r.Context(), CredentialsFromRequest(r)))
}

// RequireLiteralToken wraps next, answering 401 to requests that
// carry no token and 403 to requests that lack the given one. An
// empty token disables the check.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = withCredentials(r)
		c, _ := FromContext(r.Context())
		switch {
		case c.Has(token):
			next.ServeHTTP(w, r)
		case len(c.Tokens) == 0:
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		default:
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		}
	})
}
