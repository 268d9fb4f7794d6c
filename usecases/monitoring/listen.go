//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// ListenMetrics opens the listener of the /metrics endpoint. Every accepted
// scrape connection is counted in open until it is closed, which shows
// scrapers that keep connections to the broker open.
func ListenMetrics(port int, open prometheus.Gauge) (net.Listener, error) {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "listen for metrics on port %d", port)
	}
	return scrapeListener(l, open), nil
}

type scrapeCounter struct {
	net.Listener
	open prometheus.Gauge
}

func scrapeListener(l net.Listener, open prometheus.Gauge) net.Listener {
	return &scrapeCounter{Listener: l, open: open}
}

func (s *scrapeCounter) Accept() (net.Conn, error) {
	conn, err := s.Listener.Accept()
	if err != nil {
		return nil, err
	}
	s.open.Inc()
	return &scrapeConn{Conn: conn, open: s.open}, nil
}

type scrapeConn struct {
	net.Conn
	open   prometheus.Gauge
	closed sync.Once
}

// Close counts the connection as gone once, net/http may close it twice.
func (c *scrapeConn) Close() error {
	err := c.Conn.Close()
	c.closed.Do(c.open.Dec)
	return err
}
