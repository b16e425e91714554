package rpc

import (
	"encoding/json"
	"errors"

	"github.com/netgrave/pfvm/internal/types"
	"github.com/netgrave/pfvm/pkg/engine"
	"github.com/netgrave/pfvm/pkg/filterstore"
)

// loadFilter verifies and registers a filter program.
func (s *Server) loadFilter(params json.RawMessage) (interface{}, *RPCError) {
	var p LoadFilterParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParamsErrorf("invalid loadFilter params: %v", err)
	}
	if p.Name == "" {
		return nil, InvalidParamsError("name is required")
	}
	if p.Program == "" {
		return nil, InvalidParamsError("program is required")
	}

	program, err := DecodeBytes(p.Program, p.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("decode program: %v", err)
	}

	id, err := s.store.Put(p.Name, program)
	if err != nil {
		if errors.Is(err, filterstore.ErrNameTaken) || errors.Is(err, filterstore.ErrDuplicateProgram) {
			return nil, InvalidParamsErrorf("%v", err)
		}
		if errors.Is(err, filterstore.ErrClosed) {
			return nil, ErrNodeUnhealthy
		}
		return nil, FilterRejectedError(err)
	}

	meta, err := s.store.GetMeta(id)
	if err != nil {
		return nil, InternalServerErrorf("read back filter: %v", err)
	}

	return LoadFilterResult{
		ID:           id.String(),
		Instructions: meta.Instructions,
	}, nil
}

// resolveFilter resolves GetFilterParams-style id/name selectors to a FilterID.
func (s *Server) resolveFilter(id, name string) (types.FilterID, *RPCError) {
	var fid types.FilterID

	switch {
	case id != "" && name != "":
		return fid, InvalidParamsError("specify either id or name, not both")

	case id != "":
		parsed, err := types.FilterIDFromBase58(id)
		if err != nil {
			return fid, InvalidParamsErrorf("invalid filter id: %v", err)
		}
		return parsed, nil

	case name != "":
		resolved, err := s.store.Resolve(name)
		if err != nil {
			if errors.Is(err, filterstore.ErrFilterNotFound) {
				return fid, FilterNotFoundError(name)
			}
			return fid, InternalServerErrorf("resolve filter: %v", err)
		}
		return resolved, nil

	default:
		return fid, InvalidParamsError("id or name is required")
	}
}

// getFilter returns a stored filter with its program bytes.
func (s *Server) getFilter(params json.RawMessage) (interface{}, *RPCError) {
	var p GetFilterParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParamsErrorf("invalid getFilter params: %v", err)
	}

	id, rpcErr := s.resolveFilter(p.ID, p.Name)
	if rpcErr != nil {
		return nil, rpcErr
	}

	meta, err := s.store.GetMeta(id)
	if err != nil {
		if errors.Is(err, filterstore.ErrFilterNotFound) {
			return nil, FilterNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("get filter: %v", err)
	}

	program, err := s.store.GetProgram(id)
	if err != nil {
		return nil, InternalServerErrorf("get program: %v", err)
	}

	encoded, err := EncodeBytes(program, p.Encoding)
	if err != nil {
		return nil, InternalServerErrorf("encode program: %v", err)
	}

	return FilterInfo{
		ID:           meta.ID.String(),
		Name:         meta.Name,
		Instructions: meta.Instructions,
		WireSize:     meta.WireSize,
		CreatedAt:    meta.CreatedAt,
		Program:      encoded,
	}, nil
}

// listFilters returns metadata for all stored filters.
func (s *Server) listFilters(params json.RawMessage) (interface{}, *RPCError) {
	metas, err := s.store.List()
	if err != nil {
		return nil, InternalServerErrorf("list filters: %v", err)
	}

	infos := make([]FilterInfo, 0, len(metas))
	for _, m := range metas {
		infos = append(infos, FilterInfo{
			ID:           m.ID.String(),
			Name:         m.Name,
			Instructions: m.Instructions,
			WireSize:     m.WireSize,
			CreatedAt:    m.CreatedAt,
		})
	}
	return infos, nil
}

// deleteFilter removes a filter and drops it from the engine cache.
func (s *Server) deleteFilter(params json.RawMessage) (interface{}, *RPCError) {
	var p GetFilterParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParamsErrorf("invalid deleteFilter params: %v", err)
	}

	id, rpcErr := s.resolveFilter(p.ID, p.Name)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.store.Delete(id); err != nil {
		if errors.Is(err, filterstore.ErrFilterNotFound) {
			return nil, FilterNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("delete filter: %v", err)
	}
	s.engine.Invalidate(id)

	return true, nil
}

// evaluatePacket runs a packet through a filter and returns the verdict.
func (s *Server) evaluatePacket(params json.RawMessage) (interface{}, *RPCError) {
	var p EvaluatePacketParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, InvalidParamsErrorf("invalid evaluatePacket params: %v", err)
	}

	id, rpcErr := s.resolveFilter(p.ID, p.Name)
	if rpcErr != nil {
		return nil, rpcErr
	}

	packet, err := DecodeBytes(p.Packet, p.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("decode packet: %v", err)
	}

	result, err := s.engine.Evaluate(id, packet)
	if err != nil {
		if errors.Is(err, engine.ErrFilterNotFound) {
			return nil, FilterNotFoundError(id.String())
		}
		return nil, InternalServerErrorf("evaluate: %v", err)
	}

	return EvaluatePacketResult{
		Verdict:   result.Verdict,
		Accepted:  result.Accepted,
		StepsUsed: result.StepsUsed,
		Err:       result.Err,
	}, nil
}

// getRecentEvaluations returns the newest capture log entries.
func (s *Server) getRecentEvaluations(params json.RawMessage) (interface{}, *RPCError) {
	if s.captlog == nil {
		return nil, NewRPCError(InvalidRequest, "evaluation logging is disabled")
	}

	limit := 20
	if len(params) > 0 {
		var p struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, InvalidParamsErrorf("invalid getRecentEvaluations params: %v", err)
		}
		if p.Limit > 0 {
			limit = p.Limit
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	records, err := s.captlog.Recent(limit)
	if err != nil {
		return nil, InternalServerErrorf("read capture log: %v", err)
	}

	type entry struct {
		Seq          uint64 `json:"seq"`
		FilterID     string `json:"filterId"`
		PacketDigest string `json:"packetDigest"`
		PacketSize   uint32 `json:"packetSize"`
		Verdict      uint32 `json:"verdict"`
		Accepted     bool   `json:"accepted"`
		StepsUsed    uint64 `json:"stepsUsed"`
		Timestamp    int64  `json:"timestamp"`
		Err          string `json:"err,omitempty"`
	}
	entries := make([]entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, entry{
			Seq:          r.Seq,
			FilterID:     r.FilterID.String(),
			PacketDigest: r.PacketDigest.String(),
			PacketSize:   r.PacketSize,
			Verdict:      r.Verdict,
			Accepted:     r.Accepted,
			StepsUsed:    r.StepsUsed,
			Timestamp:    r.Timestamp,
			Err:          r.Err,
		})
	}
	return entries, nil
}

// getStats returns store and evaluation statistics.
func (s *Server) getStats(params json.RawMessage) (interface{}, *RPCError) {
	storeStats, err := s.store.GetStats()
	if err != nil {
		return nil, InternalServerErrorf("store stats: %v", err)
	}

	result := StatsResult{
		Filters:        storeStats.FilterCount,
		StoreSizeBytes: storeStats.DatabaseSize,
	}
	if s.captlog != nil {
		logStats := s.captlog.GetStats()
		result.Evaluations = logStats.Records
		result.Accepted = logStats.Accepted
		result.Dropped = logStats.Dropped
		result.Errored = logStats.Errored
	}
	return result, nil
}

// getHealth returns "ok" if the node is healthy.
func (s *Server) getHealth(params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(params json.RawMessage) (interface{}, *RPCError) {
	return VersionResult{Version: s.config.Version}, nil
}
