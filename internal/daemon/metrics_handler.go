// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"net/http"
	"net/http/httptest"

	"github.com/tombarlow/orchestrator/internal/metrics"
)

// CombinedMetricsHandler combines the OTel/Prometheus scrape endpoint
// with the percentile exporter's text output.
type CombinedMetricsHandler struct {
	otelHandler http.Handler
	exporter    *metrics.PrometheusExporter
}

// NewCombinedMetricsHandler creates a handler that serves both the OTel
// scrape output and the percentile collector's text under one response.
func NewCombinedMetricsHandler(otelHandler http.Handler, collector *metrics.Collector) *CombinedMetricsHandler {
	var exporter *metrics.PrometheusExporter
	if collector != nil {
		exporter = metrics.NewPrometheusExporter(collector)
	}
	return &CombinedMetricsHandler{
		otelHandler: otelHandler,
		exporter:    exporter,
	}
}

// ServeHTTP implements http.Handler by combining OTel and percentile metrics.
func (h *CombinedMetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recorder := httptest.NewRecorder()
	h.otelHandler.ServeHTTP(recorder, r)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(recorder.Code)
	w.Write(recorder.Body.Bytes())

	if h.exporter != nil {
		w.Write([]byte("\n"))
		w.Write([]byte(h.exporter.Export()))
	}
}
