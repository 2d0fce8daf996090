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

// memkind-info shows the high-bandwidth memory setup of the system, as
// seen by kind registries, and optionally exercises kinds of it.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/containers/memkind/pkg/bandwidth"
	"github.com/containers/memkind/pkg/hbw"
	"github.com/containers/memkind/pkg/memkind"
	"github.com/containers/memkind/pkg/mempolicy"
	"github.com/containers/memkind/pkg/sysfs"
	"github.com/containers/memkind/pkg/utils/cpuset"
)

type logrusFormatter struct{}

func (f *logrusFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return fmt.Appendf(nil, "memkind-info: %s %s\n", entry.Level, entry.Message), nil
}

var (
	log *logrus.Logger
)

func main() {
	log = logrus.StandardLogger()
	log.SetFormatter(&logrusFormatter{})

	configFlag := flag.String("config", "", "Registry configuration file")
	bandwidthFlag := flag.String("bandwidth-file", bandwidth.DefaultPath, "Node bandwidth table, raw or YAML")
	policyFlag := flag.String("policy", "", "Allocate high-bandwidth memory with the given policy, BIND, PREFERRED or INTERLEAVE")
	hbwSizeFlag := flag.String("hbw-size", "16Mi", "Amount of high-bandwidth memory to allocate with -policy")
	pmemFlag := flag.String("pmem-dir", "", "Exercise a file-backed kind in the given directory")
	pmemSizeFlag := flag.String("pmem-size", "32Mi", "Capacity of the file-backed kind")
	metricsFlag := flag.Bool("metrics", false, "Print the metrics of the registry")
	verboseFlag := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	log.SetLevel(logrus.InfoLevel)
	if *verboseFlag {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := &memkind.Config{}
	if *configFlag != "" {
		c, err := memkind.LoadConfig(*configFlag)
		if err != nil {
			log.Fatalf("invalid -config: %v", err)
		}
		cfg = c
	}
	if cfg.Hbw.BandwidthFile == "" && len(cfg.Hbw.Bandwidth) == 0 {
		cfg.Hbw.BandwidthFile = *bandwidthFlag
	}
	if *policyFlag != "" {
		if _, err := hbw.ParsePolicy(*policyFlag); err != nil {
			log.Fatalf("invalid -policy: %v", err)
		}
		cfg.Hbw.Policy = *policyFlag
	}

	r, err := memkind.NewRegistry(memkind.WithConfig(cfg))
	if err != nil {
		log.Fatalf("failed to create kind registry: %v", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("failed to close kind registry: %v", err)
		}
	}()

	showSystem(r)

	if *policyFlag != "" {
		allocateHbw(r, quantity("-hbw-size", *hbwSizeFlag))
	}
	if *pmemFlag != "" {
		exercisePmem(r, *pmemFlag, quantity("-pmem-size", *pmemSizeFlag))
	}
	if *metricsFlag {
		printMetrics(r)
	}
}

func quantity(flagName, value string) uint64 {
	q, err := resource.ParseQuantity(value)
	if err != nil || q.Sign() <= 0 {
		log.Fatalf("invalid %s %q", flagName, value)
	}
	return uint64(q.Value())
}

func showSystem(r *memkind.Registry) {
	d := r.Dispatcher()

	fmt.Printf("High-bandwidth nodes: %s\n", cpuset.Format(d.HighBandwidthNodes()))
	fmt.Printf("High-bandwidth policy: %s\n", d.Policy())
	fmt.Printf("Interleaving: %v\n", d.CanInterleave())

	showNodes()

	mode, nodes, err := mempolicy.GetMempolicy()
	if err != nil {
		log.Warnf("GetMempolicy failed: %v", err)
		return
	}
	fmt.Printf("Process memory policy: %s (%d), nodes: %s\n", mempolicy.ModeString(mode), mode, cpuset.Format(nodes))
}

func showNodes() {
	sys, err := sysfs.DiscoverSystem()
	if err != nil {
		log.Warnf("failed to discover NUMA nodes: %v", err)
		return
	}

	for _, id := range sys.NodeIDs() {
		n := sys.Node(id)
		cpus := cpuset.Format(n.CPUSet().List())
		if !n.HasMemory() {
			fmt.Printf("  node #%d: memoryless, CPUs %s\n", id, cpus)
			continue
		}
		info, err := n.MemoryInfo()
		if err != nil {
			log.Warnf("node #%d: %v", id, err)
			continue
		}
		fmt.Printf("  node #%d: %s, CPUs %s, %s/%s free, distances %v\n", id, n.MemoryType(), cpus,
			resource.NewQuantity(int64(info.MemFree), resource.BinarySI),
			resource.NewQuantity(int64(info.MemTotal), resource.BinarySI),
			n.Distance())
	}
}

func allocateHbw(r *memkind.Registry, size uint64) {
	k := r.HbwKind()

	b, err := r.Malloc(k, size)
	if err != nil {
		log.Errorf("failed to allocate %d bytes from %s: %v (errno %d)", size, k, err, memkind.Errno(err))
		return
	}
	for i := 0; i < len(b); i += os.Getpagesize() {
		b[i] = 1
	}

	placed := r.Dispatcher().Placement()
	nodes := make([]int, 0, len(placed))
	for node := range placed {
		nodes = append(nodes, node)
	}
	sort.Ints(nodes)

	fmt.Printf("Allocated %d bytes from %s, pages per node:\n", size, k)
	for _, node := range nodes {
		fmt.Printf("  node %d: %d\n", node, placed[node])
	}

	if err := r.Free(k, b); err != nil {
		log.Errorf("failed to free: %v", err)
	}
}

// exercisePmem allocates from a file-backed kind until it runs out of capacity.
func exercisePmem(r *memkind.Registry, dir string, capacity uint64) {
	k, err := r.CreatePmem(dir, capacity)
	if err != nil {
		log.Errorf("failed to create file-backed kind in %s: %v", dir, err)
		return
	}

	var allocs [][]byte
	for _, size := range []uint64{512, 8 << 20, 16 << 20, 16 << 20} {
		b, err := r.Malloc(k, size)
		if err != nil {
			fmt.Printf("Allocating %d bytes from %s failed: %v\n", size, k, err)
			break
		}
		allocs = append(allocs, b)
		fmt.Printf("Allocated %d bytes from %s\n", size, k)
	}

	total, free, _ := r.KindSize(k)
	fmt.Printf("Kind %s holds %d allocations: capacity %d, %d bytes free at the tail\n",
		k, len(allocs), total, free)

	if len(allocs) > 0 {
		msg := "Hello world from file-backed memory\n"
		copy(allocs[0], msg)
		fmt.Print(string(allocs[0][:len(msg)]))
	}

	for _, b := range allocs {
		if err := r.Free(k, b); err != nil {
			log.Errorf("failed to free: %v", err)
		}
	}
	if err := r.Destroy(k); err != nil {
		log.Errorf("failed to destroy kind %s: %v", k, err)
	}
}

func printMetrics(r *memkind.Registry) {
	g, err := r.Gatherer()
	if err != nil {
		log.Errorf("failed to set up metrics: %v", err)
		return
	}
	families, err := g.Gather()
	if err != nil {
		log.Errorf("failed to gather metrics: %v", err)
		return
	}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, f); err != nil {
			log.Errorf("failed to print metrics: %v", err)
		}
	}
}
