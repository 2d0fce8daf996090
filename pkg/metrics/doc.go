// Copyright The NRI Plugins Authors. All Rights Reserved.
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

// Package metrics is a thin layer over prometheus for grouping collectors,
// prefixing their metrics and enabling them selectively at runtime.
//
// Collectors are registered under a name in a group:
//
//	r := metrics.NewRegistry()
//	r.MustRegister("heap", heapCollector, metrics.WithGroup("memkind"))
//	r.MustRegister("golang", collectors.NewGoCollector(), metrics.WithGroup("standard"),
//	    metrics.WithCollectorOptions(metrics.WithoutNamespace(), metrics.WithoutSubsystem()))
//
// A Gatherer enables the collectors matching a set of globs and exposes
// them as a prometheus.Gatherer:
//
//	g, err := r.NewGatherer(metrics.WithNamespace("memkind"), metrics.WithMetrics([]string{"memkind/*"}))
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
