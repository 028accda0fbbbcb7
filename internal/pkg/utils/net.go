package utils

import (
	"net"

	"github.com/pkg/errors"
)

// GetOutboundIP 返回本机访问外网时使用的 IP，用于服务注册。
// UDP Dial 不会真正发包，只是让内核选出路由。
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", errors.Wrap(err, "resolve outbound ip")
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
