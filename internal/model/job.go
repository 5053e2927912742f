package model

// JobMeta travels with a job from submission to every event it produces.
//
// BatchID and BatchJobIDs are assigned by the reactor and are immutable once
// set. Caller-supplied keys live in Extra and never overwrite them.
type JobMeta struct {
	BatchID      string            `json:"batchId"`
	BatchJobIDs  []string          `json:"batchJobIds"`
	SourceRemote string            `json:"sourceRemote,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Clone returns a copy that shares no slices or maps with m.
func (m JobMeta) Clone() JobMeta {
	out := m
	out.BatchJobIDs = append([]string(nil), m.BatchJobIDs...)
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
