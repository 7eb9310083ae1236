package nats

import (
	"os"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens a NATS connection and returns the function that releases
// it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection shares one connection between all callers of the
// returned Connector. The connection is closed when the last lease is
// released and reopened on the next call.
func ReuseConnection(connect Connector) Connector {
	var (
		mu       sync.Mutex
		nc       *natsgo.Conn
		closeCon closeFunc
		leased   int
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		leased--
		if leased == 0 && nc != nil {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			nc, closeCon, err = connect()
			if err != nil {
				return nil, nil, err
			}
		}
		leased++
		var once sync.Once
		return nc, func() { once.Do(release) }, nil
	}
}

func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			append([]natsgo.Option{natsgo.Name("arque"), natsgo.MaxReconnects(3)}, opts...)...,
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to ARQUE_NATS_URL, NATS_URL or the local default
// server, in that order.
func ConnectDefault() Connector {
	for _, key := range []string{"ARQUE_NATS_URL", "NATS_URL"} {
		if natsURL := os.Getenv(key); natsURL != "" {
			return ConnectURL(natsURL)
		}
	}
	return ConnectURL(natsgo.DefaultURL)
}
