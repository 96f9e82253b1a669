// Package main tails a route's event stream over WebSocket.
//
//	go run ./scripts -route <id> [-optimize]
package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"fieldroute/internal/events"
	"fieldroute/internal/logger"
)

func main() {
	host := flag.String("host", "localhost:"+envOr("PORT", "8080"), "API host:port")
	tenant := flag.String("tenant", "t_demo", "tenant id")
	routeID := flag.String("route", "", "route id to watch")
	optimize := flag.Bool("optimize", false, "trigger an optimization once connected")
	wait := flag.Duration("wait", 5*time.Second, "how long to listen")
	flag.Parse()

	log := logger.New().WithField("component", "ws_client")
	if *routeID == "" {
		log.Fatal("-route is required")
	}

	u := url.URL{Scheme: "ws", Host: *host, Path: "/v1/routes/" + *routeID + "/events/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", *tenant)
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.WithError(err).Fatal("dial")
	}
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var evt events.Event
			if err := c.ReadJSON(&evt); err != nil {
				log.WithError(err).Info("stream closed")
				return
			}
			log.WithFields(map[string]interface{}{
				"type": evt.Type,
				"at":   evt.At.Format(time.RFC3339),
				"data": evt.Data,
			}).Info("event")
		}
	}()

	if *optimize {
		endpoint := fmt.Sprintf("http://%s/v1/routes/%s/optimize", *host, *routeID)
		req, _ := http.NewRequest(http.MethodPost, endpoint, nil)
		req.Header.Set("X-Tenant-Id", *tenant)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			log.WithError(err).Error("optimize request failed")
		} else {
			_ = res.Body.Close()
			log.WithField("status", res.StatusCode).Info("optimize requested")
		}
	}

	select {
	case <-time.After(*wait):
	case <-done:
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
