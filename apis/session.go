// Copyright 2022 The httppush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import "net/http"

// UserSession identity resolved for an incoming stream request
type UserSession struct {
	// SessionID ID of the HTTP session, empty when the client has none
	SessionID string
	// UserID ID of the authenticated user, empty when anonymous
	UserID string
	// UserName login name of the authenticated user
	UserName string
	// DisplayName human friendly name. When empty on an anonymous request the
	// stream handler assigns one; an authenticated session keeps it empty.
	DisplayName string
	// ProfileURL URL of the user's profile picture
	ProfileURL string
	// Authenticated whether the request carries an authenticated session
	Authenticated bool
}

// SessionResolver resolves the user session behind an incoming request.
// Authentication itself is outside the broker; deployments plug their own
// resolver in.
type SessionResolver interface {
	// Resolve determine the session of the request
	Resolve(r *http.Request) (UserSession, error)
}

// anonymousSessionResolver treats every request as session-less
type anonymousSessionResolver struct{}

// Resolve determine the session of the request
func (s anonymousSessionResolver) Resolve(r *http.Request) (UserSession, error) {
	return UserSession{}, nil
}

// AnonymousSessionResolver define a resolver which treats every request as
// session-less. The broker then assigns anonymous identity values.
func AnonymousSessionResolver() SessionResolver {
	return anonymousSessionResolver{}
}
