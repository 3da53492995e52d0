// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/ow2-proactive/scheduling-sub049/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request's context carries a logger with
// the request fields, available to handlers via Logger(req).
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseRecorder{ResponseWriter: wrapped, start: time.Now()}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqHost":         req.Host,
			"reqPath":         req.URL.Path[1:],
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Info("request")
		defer w.logResponse(lgr)
		h.ServeHTTP(w, req)
	})
}

// Logger returns the request-scoped logger set up by LogRequests.
func Logger(req *http.Request) logrus.FieldLogger {
	return ctxlog.FromContext(req.Context())
}

// sniffBytes is how much of an error response body is logged.
const sniffBytes = 1024

// responseRecorder wraps an http.ResponseWriter, recording what the
// response log entry reports: the status, when it was sent, the body
// size, and the start of any error body.
type responseRecorder struct {
	http.ResponseWriter
	start     time.Time
	status    int
	statusAt  time.Time
	bodyBytes int
	sniffed   []byte
}

func (w *responseRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.statusAt = time.Now()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if w.status >= 400 && len(w.sniffed) < sniffBytes {
		n := sniffBytes - len(w.sniffed)
		if n > len(p) {
			n = len(p)
		}
		w.sniffed = append(w.sniffed, p[:n]...)
	}
	n, err := w.ResponseWriter.Write(p)
	w.bodyBytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseRecorder) logResponse(lgr *logrus.Entry) {
	done := time.Now()
	status, statusAt := w.status, w.statusAt
	if status == 0 {
		// Nothing written: net/http sends 200 on return.
		status, statusAt = http.StatusOK, done
	}
	fields := logrus.Fields{
		"timeTotal":      done.Sub(w.start).Seconds(),
		"timeToStatus":   statusAt.Sub(w.start).Seconds(),
		"timeWriteBody":  done.Sub(statusAt).Seconds(),
		"respStatusCode": status,
		"respStatus":     http.StatusText(status),
		"respBytes":      w.bodyBytes,
	}
	if status >= 400 {
		fields["respBody"] = string(w.sniffed)
	}
	lgr.WithFields(fields).Info("response")
}
