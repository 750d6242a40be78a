// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sm

import (
	"encoding/base64"
	"encoding/binary"
)

// EncodeToken packs a resource and a stream ID into an opaque resumption
// token. The resource is length-prefixed, so neither value is restricted in
// the bytes it may contain.
func EncodeToken(resource, streamID string) string {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(resource)+len(streamID))
	buf = binary.AppendUvarint(buf, uint64(len(resource)))
	buf = append(buf, resource...)
	buf = append(buf, streamID...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string) (resource, streamID string, err error) {
	if token == "" {
		return "", "", ErrInvalidToken
	}
	buf, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", ErrInvalidToken
	}
	n, k := binary.Uvarint(buf)
	if k <= 0 || n > uint64(len(buf)-k) {
		return "", "", ErrInvalidToken
	}
	buf = buf[k:]
	return string(buf[:n]), string(buf[n:]), nil
}
