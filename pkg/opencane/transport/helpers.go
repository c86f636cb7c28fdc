package transport

import (
	"encoding/base64"
	"net"
)

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
