// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	// pollSecs is how long a watching client asks the server to hold a poll.
	pollSecs = int(MaxPollTime / time.Second)

	// getTimeout bounds requests that are not long polls.
	getTimeout = time.Second

	servicesPath = "/services"
)

// LogInfo is a snapshot of a log, tagged so that it can be watched.
type LogInfo struct {
	Records []LogRecord
	etag    string
}

func (m *ManagerInfo) setEtag(etag string) { m.etag = etag }
func (s *ServiceInfo) setEtag(etag string) { s.etag = etag }

// entry is the last copy of a resource, with the etag it was served with.
type entry struct {
	etag string
	val  interface{}
}

// Client reads a minivisord status server.  Every resource is cached by
// path, and later requests for it are conditional on the cached etag.
type Client struct {
	base  string
	user  string
	pass  string
	auth  bool
	hc    *http.Client
	cache map[string]*entry
	mx    sync.Mutex
}

func (c *Client) SetAuth(user string, pass string) {
	c.mx.Lock()
	c.user = user
	c.pass = pass
	c.auth = true
	c.mx.Unlock()
}

func (c *Client) lookup(path string) *entry {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.cache[path]
}

func (c *Client) store(path string, ent *entry) {
	c.mx.Lock()
	if ent == nil {
		delete(c.cache, path)
	} else {
		c.cache[path] = ent
	}
	c.mx.Unlock()
}

// get issues one GET.  With an etag the request is conditional, and with
// wait > 0 as well it is a long poll.  An empty etag is returned, with no
// error, when the server reports no change.
func (c *Client) get(ctx context.Context, path, etag string, wait int, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", c.base+path, nil)
	if e != nil {
		return "", e
	}
	c.mx.Lock()
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	c.mx.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}

	res, e := c.hc.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return "", nil
	default:
		return "", &Error{Code: res.StatusCode, Message: res.Status}
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

// fetch returns the resource at path and its etag.  When since is empty
// the cached copy, if any, is revalidated.  Otherwise the caller already
// holds the version tagged since, and fetch waits up to wait seconds for
// a newer one, unless the cache has one already.
func fetch[T any](ctx context.Context, c *Client, path, since string, wait int) (T, string, error) {
	var v T
	ent := c.lookup(path)
	etag := since
	switch {
	case ent == nil:
		etag, wait = "", 0
	case since == "":
		etag, wait = ent.etag, 0
	case ent.etag != since:
		return ent.val.(T), ent.etag, nil
	}

	ntag, e := c.get(ctx, path, etag, wait, &v)
	switch {
	case e != nil:
		c.store(path, nil)
		return v, "", e
	case ntag == "" && ent != nil:
		return ent.val.(T), ent.etag, nil
	case ntag == "":
		return v, "", nil
	}
	if t, ok := any(v).(interface{ setEtag(string) }); ok {
		t.setEtag(ntag)
	}
	c.store(path, &entry{etag: ntag, val: v})
	return v, ntag, nil
}

func servicePath(name string) string {
	return servicesPath + "/" + url.PathEscape(name)
}

func logPath(name string) string {
	if name == "" {
		return "/log"
	}
	return servicePath(name) + "/log"
}

func quick() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), getTimeout)
}

// GetInfo returns information about the manager itself.
func (c *Client) GetInfo() (*ManagerInfo, error) {
	ctx, cancel := quick()
	defer cancel()
	v, _, e := fetch[*ManagerInfo](ctx, c, "/", "", 0)
	return v, e
}

// Watch waits for the manager serial to move past etag, and returns the
// new etag.  An empty etag returns the current one without waiting.
func (c *Client) Watch(ctx context.Context, etag string) (string, error) {
	_, etag, e := fetch[*ManagerInfo](ctx, c, "/", etag, pollSecs)
	return etag, e
}

// Services returns the names of the services known to the manager.
func (c *Client) Services() ([]string, error) {
	ctx, cancel := quick()
	defer cancel()
	v, _, e := fetch[[]string](ctx, c, servicesPath, "", 0)
	return v, e
}

// WatchServices waits for the list of services to differ from the one
// last returned.
func (c *Client) WatchServices(ctx context.Context) ([]string, error) {
	since := ""
	if ent := c.lookup(servicesPath); ent != nil {
		since = ent.etag
	}
	v, _, e := fetch[[]string](ctx, c, servicesPath, since, pollSecs)
	return v, e
}

func (c *Client) GetService(name string) (*ServiceInfo, error) {
	ctx, cancel := quick()
	defer cancel()
	v, _, e := fetch[*ServiceInfo](ctx, c, servicePath(name), "", 0)
	return v, e
}

// WatchService waits for the service to change from last.
func (c *Client) WatchService(ctx context.Context, name string, last *ServiceInfo) (*ServiceInfo, error) {
	since := ""
	if last != nil {
		since = last.etag
	}
	v, _, e := fetch[*ServiceInfo](ctx, c, servicePath(name), since, pollSecs)
	return v, e
}

// GetLog returns the log of the named service, or the consolidated log
// when name is empty.
func (c *Client) GetLog(name string) (*LogInfo, error) {
	ctx, cancel := quick()
	defer cancel()
	return c.pollLog(ctx, name, nil, 0)
}

// WatchLog waits for records past those in last.
func (c *Client) WatchLog(ctx context.Context, name string, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, name, last, pollSecs)
}

func (c *Client) pollLog(ctx context.Context, name string, last *LogInfo, wait int) (*LogInfo, error) {
	since := ""
	if last != nil {
		since = last.etag
	}
	recs, etag, e := fetch[[]LogRecord](ctx, c, logPath(name), since, wait)
	if e != nil {
		return nil, e
	}
	return &LogInfo{Records: recs, etag: etag}, nil
}

// NewClient returns a Client for the server at baseURI.  The transport
// may be nil, or set up for options such as TLS.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:  baseURI,
		hc:    &http.Client{Transport: t},
		cache: make(map[string]*entry),
	}
}
