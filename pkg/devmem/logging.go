// Copyright The Intel GPU Backports Authors. All Rights Reserved.
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

package devmem

import (
	"fmt"

	logger "github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/log"
)

var (
	log     = logger.Get("devmem")
	details = logger.Get("devmem-details")
)

// DumpState logs the state of the region: accounting and object lists.
func (r *Region) DumpState() {
	if !details.DebugEnabled() {
		return
	}

	r.mu.Lock()
	details.Debug("region %s: %s available of %s total", r.name,
		prettySize(r.avail), prettySize(r.total))
	r.mu.Unlock()

	r.objMu.Lock()
	defer r.objMu.Unlock()

	for _, l := range []struct {
		name string
		list *objectList
	}{
		{"purgeable", &r.purgeable},
		{"normal", &r.normal},
	} {
		if l.list.Len() == 0 {
			details.Debug("  no %s objects", l.name)
			continue
		}
		details.Debug("  %s objects:", l.name)
		for e := l.list.Front(); e != nil; e = e.Next() {
			ent := e.Value.(*entry)
			if ent.bookmark {
				details.Debug("    - (bookmark)")
				continue
			}
			details.Debug("    - %s", ent.obj)
		}
	}
}

func prettySize(size uint64) string {
	const (
		kB = uint64(1) << 10
		MB = uint64(1) << 20
		GB = uint64(1) << 30
	)

	switch {
	case size >= GB:
		return fmt.Sprintf("%.2fG", float64(size)/float64(GB))
	case size >= MB:
		return fmt.Sprintf("%.2fM", float64(size)/float64(MB))
	case size >= kB:
		return fmt.Sprintf("%.2fk", float64(size)/float64(kB))
	}
	return fmt.Sprintf("%d", size)
}
