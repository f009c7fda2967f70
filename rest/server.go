// Copyright 2015 The Govisor Authors
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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/minivisor"
)

// Handler wraps a Manager, adding http.Handler functionality.
type Handler struct {
	m    *minivisor.Manager
	r    *mux.Router
	user string
	hash []byte
}

// SetAuth requires HTTP basic authentication.  The password is checked
// against hash, which must come from bcrypt.
func (h *Handler) SetAuth(user string, hash []byte) {
	h.user = user
	h.hash = hash
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// respond writes v, unless the client already has the version named by
// etag, in which case it gets a 304.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, etag string, v interface{}) {
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Etag", etag)
	h.writeJson(w, v)
}

// pollTime returns how long to wait for a change, which is zero unless
// the client asked for a long poll against the current etag.
func pollTime(r *http.Request, etag string) time.Duration {
	if r.Header.Get(PollEtagHeader) != etag {
		return 0
	}
	secs, e := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if e != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > MaxPollTime {
		d = MaxPollTime
	}
	return d
}

func etagOf(n int64) string {
	return strconv.FormatInt(n, 10)
}

func (h *Handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.hash != nil {
			user, pass, ok := r.BasicAuth()
			if !ok || user != h.user ||
				bcrypt.CompareHashAndPassword(h.hash, []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="minivisor"`)
				h.writeError(w, &Error{http.StatusUnauthorized,
					"Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	mi := h.m.GetInfo()
	if d := pollTime(r, etagOf(mi.Serial)); d > 0 {
		h.m.WatchSerial(mi.Serial, d)
		mi = h.m.GetInfo()
	}
	info := &ManagerInfo{
		Name:       mi.Name,
		Id:         mi.Id,
		Serial:     mi.Serial,
		Interval:   mi.Interval.String(),
		CreateTime: mi.CreateTime,
		UpdateTime: mi.UpdateTime,
	}
	h.respond(w, r, etagOf(mi.Serial), info)
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	svcs, sn, _ := h.m.Services()
	if d := pollTime(r, etagOf(sn)); d > 0 {
		h.m.WatchServices(sn, d)
		svcs, sn, _ = h.m.Services()
	}
	l := make([]string, 0, len(svcs))
	for _, svc := range svcs {
		l = append(l, svc.Name)
	}
	h.respond(w, r, etagOf(sn), l)
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	svc, e := h.m.Service(name)
	if e != nil {
		h.writeError(w, &Error{http.StatusNotFound, "Service not found"})
		return
	}
	if d := pollTime(r, etagOf(svc.Serial)); d > 0 {
		h.m.WatchService(name, svc.Serial, d)
		if svc, e = h.m.Service(name); e != nil {
			h.writeError(w, &Error{http.StatusNotFound,
				"Service not found"})
			return
		}
	}
	h.respond(w, r, etagOf(svc.Serial), serviceInfo(&svc))
}

func (h *Handler) getServiceLog(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]
	l, e := h.m.ServiceLog(name)
	if e != nil {
		h.writeError(w, &Error{http.StatusNotFound, "Service not found"})
		return
	}
	h.serveLog(w, r, l.GetRecords, l.Watch)
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	h.serveLog(w, r, h.m.GetLog, h.m.WatchLog)
}

func (h *Handler) serveLog(w http.ResponseWriter, r *http.Request,
	get func(int64) ([]LogRecord, int64),
	watch func(int64, time.Duration) int64) {

	recs, id := get(0)
	if d := pollTime(r, etagOf(id)); d > 0 {
		watch(id, d)
		recs, id = get(0)
	}
	if recs == nil {
		recs = []LogRecord{}
	}
	h.respond(w, r, etagOf(id), recs)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(m *minivisor.Manager) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r}
	r.Use(h.authorize)
	r.HandleFunc("/", h.getInfo).Methods("GET")
	r.HandleFunc("/services", h.listServices).Methods("GET")
	r.HandleFunc("/services/{service}", h.getService).Methods("GET")
	r.HandleFunc("/services/{service}/log", h.getServiceLog).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(),
		promhttp.HandlerOpts{})).Methods("GET")
	return h
}
