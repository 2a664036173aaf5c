/*
 * Copyright (c) 2020 Baidu, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

import (
	"context"
	"net"
)

// PeerCred identifies the process on the other end of a unix socket.
type PeerCred struct {
	PID int
	UID uint32
	GID uint32
}

type peerCredKey struct{}

// WithPeerCred stores the peer credentials of c in ctx when the platform can
// report them. It is used as http.Server.ConnContext.
func WithPeerCred(ctx context.Context, c net.Conn) context.Context {
	cred, ok := peerCredOf(c)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, peerCredKey{}, cred)
}

// PeerCredFrom returns the credentials stored by WithPeerCred.
func PeerCredFrom(ctx context.Context) (PeerCred, bool) {
	cred, ok := ctx.Value(peerCredKey{}).(PeerCred)
	return cred, ok
}
