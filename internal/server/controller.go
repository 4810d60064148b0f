/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
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

// Package server exposes a device over a small REST surface, for debug tools
// and for the nicctl serve command.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	log "github.com/sirupsen/logrus"
)

var (
	GET_METHOD    = strings.ToUpper("Get")
	POST_METHOD   = strings.ToUpper("Post")
	DELETE_METHOD = strings.ToUpper("Delete")
)

// Route
type Route struct {
	Name        string
	Method      string
	Path        string
	HandlerFunc http.HandlerFunc
}

// Routes -
type Routes []Route

// Router -
type Router interface {
	Routes() Routes

	Name() string
	Init() error
	Start() error
}

// Routers -
type Routers []Router

// Controller -
type Controller struct {
	Name    string
	Address string
	Routers Routers
	Mux     *mux.Router
}

// setupRouters -
func setupRouters(routers Routers) (*mux.Router, error) {

	m := mux.NewRouter().StrictSlash(true)

	for _, router := range routers {

		if err := router.Init(); err != nil {
			return nil, fmt.Errorf("%s failed to initialize: %w", router.Name(), err)
		}

		for _, route := range router.Routes() {
			m.
				Name(route.Name).
				Methods(route.Method).
				Path(route.Path).
				Handler(route.HandlerFunc)
		}
	}

	for _, router := range routers {
		if err := router.Start(); err != nil {
			return nil, fmt.Errorf("%s failed to start: %w", router.Name(), err)
		}
	}

	return m, nil
}

// Handler initializes and starts every router and returns the combined
// handler.
func (c *Controller) Handler() (http.Handler, error) {
	m, err := setupRouters(c.Routers)
	if err != nil {
		return nil, err
	}
	c.Mux = m

	// Permissive handling of Cross Origin Resource Sharing
	// for debug. This allows us access the server from other
	// web hosting platforms.
	return cors.AllowAll().Handler(m), nil
}

// ListenAndServe serves until ctx ends.
func (c *Controller) ListenAndServe(ctx context.Context) error {
	handler, err := c.Handler()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", c.Address)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
			return
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warnf("%s shutdown incomplete", c.Name)
		}
	}()

	log.Infof("%s listen and serve on %s", c.Name, listener.Addr())
	err = srv.Serve(listener)
	close(done)
	<-stopped

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Warnf("%s terminated", c.Name)
	return nil
}
