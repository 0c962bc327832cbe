package mqttclient

import (
	"context"
	"net"
	"net/url"
)

// dialUnix connects to a Unix domain socket. Both unix:///run/mqtt.sock
// and unix://run/mqtt.sock name a path.
func dialUnix(ctx context.Context, u *url.URL) (net.Conn, error) {
	path := u.Path
	if u.Host != "" && u.Host != "localhost" {
		path = u.Host + u.Path
	}

	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
