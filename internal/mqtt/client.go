package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/eclipse/paho.golang/paho"
)

// Client is the subset of *paho.Client the session uses.
type Client interface {
	Connect(ctx context.Context, cp *paho.Connect) (*paho.Connack, error)
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Disconnect(d *paho.Disconnect) error
}

// Handlers are invoked from the client's own goroutines.
type Handlers struct {
	OnMessage func(topic string, payload []byte)
	// OnLost is called when the client fails or the broker sends
	// DISCONNECT.
	OnLost func(err error)
}

// Dialer opens a network connection to addr and wraps it in a Client.
type Dialer func(ctx context.Context, addr string, h Handlers) (Client, error)

// ErrServerDisconnect is passed to OnLost when the broker ends the
// session.
var ErrServerDisconnect = errors.New("server sent disconnect")

// TCPDialer returns a Dialer over plain TCP, or TLS 1.2+ when useTLS is
// set.
func TCPDialer(useTLS bool) Dialer {
	return func(ctx context.Context, addr string, h Handlers) (Client, error) {
		var (
			conn net.Conn
			err  error
		)
		if useTLS {
			d := &tls.Dialer{Config: &tls.Config{MinVersion: tls.VersionTLS12}}
			conn, err = d.DialContext(ctx, "tcp", addr)
		} else {
			var d net.Dialer
			conn, err = d.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}

		cfg := paho.ClientConfig{
			Conn: conn,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if h.OnMessage != nil {
						h.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
					}
					return true, nil
				},
			},
			OnClientError: func(err error) {
				if h.OnLost != nil {
					h.OnLost(err)
				}
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if h.OnLost != nil {
					h.OnLost(fmt.Errorf("%w (reason %d)", ErrServerDisconnect, d.ReasonCode))
				}
			},
		}
		return paho.NewClient(cfg), nil
	}
}
