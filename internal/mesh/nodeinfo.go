package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

// NodeInfo is the Data of a NodeInfo result.
type NodeInfo struct {
	Name      string      `json:"name"`
	Info      payload.Map `json:"info"`
	FetchedAt time.Time   `json:"fetched_at"`
	Cached    bool        `json:"cached"`
	Stale     bool        `json:"stale,omitempty"`
}

// NodeInfo returns information about the local node. A fresh cached copy
// is returned at once and its extras (self telemetry, firmware version)
// are refreshed in the background. A stale copy is returned at once and
// fully refreshed in the background. Without a cached copy the fetch
// blocks. maxAge <= 0 uses the configured default; name "" the default
// node name.
func (s *Service) NodeInfo(ctx context.Context, name string, maxAge time.Duration) Result {
	if name == "" {
		name = s.nodeName
	}
	if maxAge <= 0 {
		maxAge = s.nodeAge
	}

	cached, err := s.store.LatestNodeInfo(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return failure(err)
	}

	if cached != nil {
		info := payload.Map{}
		if err := json.Unmarshal([]byte(cached.Data), &info); err != nil {
			L_warn("mesh: cached node info unreadable", "name", name, "error", err)
		}
		ni := &NodeInfo{Name: name, Info: info, FetchedAt: cached.FetchedAt, Cached: true}

		if time.Since(cached.FetchedAt) <= maxAge {
			s.RefreshNodeInfo(name, false, info)
			metrics.MetricInc("mesh", "node_cache_hit")
			return success(ni)
		}
		ni.Stale = true
		s.RefreshNodeInfo(name, true, nil)
		metrics.MetricInc("mesh", "node_cache_stale")
		return partial(ni, fmt.Errorf("node info is %s old", time.Since(cached.FetchedAt).Round(time.Second)))
	}

	return s.FetchNodeInfo(ctx, name)
}

// FetchNodeInfo fetches node info from the device, bypassing the cache,
// and stores it. Concurrent calls for the same name share one fetch.
func (s *Service) FetchNodeInfo(ctx context.Context, name string) Result {
	if name == "" {
		name = s.nodeName
	}
	v, err, _ := s.initial.Do(name, func() (any, error) {
		info, err := s.fetchInfos(ctx)
		if err != nil {
			return nil, err
		}
		s.addExtras(ctx, info)
		saved, err := s.store.AppendNodeInfo(ctx, name, payload.Compact(info))
		if err != nil {
			return nil, err
		}
		return &NodeInfo{Name: name, Info: info, FetchedAt: saved.FetchedAt}, nil
	})
	if err != nil {
		metrics.MetricFail("mesh", "node_info")
		return failure(err)
	}
	metrics.MetricSuccess("mesh", "node_info")
	return success(v)
}

// RefreshNodeInfo starts a background refresh unless one of the same kind
// started recently. A full refresh re-runs `infos`; otherwise only the
// extras are refreshed on top of base. Returns whether a job was started.
func (s *Service) RefreshNodeInfo(name string, full bool, base payload.Map) bool {
	if name == "" {
		name = s.nodeName
	}
	gate, kind := s.extrasGate, "node-extras"
	if full || base == nil {
		gate, kind = s.baseGate, "node-full"
	}
	if !gate.Allow() {
		L_trace("mesh: refresh skipped, ran recently", "job", kind)
		return false
	}

	info := payload.Map{}
	for k, v := range base {
		info[k] = v
	}

	s.spawn(kind, func(ctx context.Context) error {
		if full || base == nil {
			fetched, err := s.fetchInfos(ctx)
			if err != nil {
				L_debug("mesh: infos failed, keeping previous data", "error", err)
			} else {
				info = fetched
			}
		}
		s.addExtras(ctx, info)
		_, err := s.store.AppendNodeInfo(ctx, name, payload.Compact(info))
		return err
	})
	return true
}

func (s *Service) fetchInfos(ctx context.Context) (payload.Map, error) {
	data, _, err := s.runner.RunJSON(ctx, "infos")
	if err != nil {
		return nil, err
	}
	info, ok := payload.AsMap(data)
	if !ok {
		return nil, errors.New("infos: unexpected output shape")
	}
	return info, nil
}

// addExtras merges self telemetry and firmware version into info. Both
// are optional; failures are only logged.
func (s *Service) addExtras(ctx context.Context, info payload.Map) {
	extras := []struct{ command, key string }{
		{"self_telemetry", "self_telemetry"},
		{"ver", "device_info"},
	}
	for _, x := range extras {
		data, _, err := s.runner.RunJSON(ctx, x.command)
		if err != nil {
			L_debug("mesh: node extra unavailable", "command", x.command, "error", err)
			continue
		}
		if m, ok := payload.AsMap(data); ok {
			info[x.key] = m
		}
	}
}
