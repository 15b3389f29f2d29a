package mailbox

import "undercity.gg/internal/protocol"

// BoxState is the serializable form of a mailbox, overlays included.
type BoxState struct {
	Owner    string             `json:"owner"`
	Messages []protocol.Message `json:"messages,omitempty"`
	Archived []string           `json:"archived,omitempty"`
	Deleted  []string           `json:"deleted,omitempty"`
}

func (b *Box) Export() BoxState {
	st := BoxState{Owner: b.owner}
	st.Messages = append(st.Messages, b.msgs...)
	for id := range b.archived {
		st.Archived = append(st.Archived, id)
	}
	for id := range b.deleted {
		st.Deleted = append(st.Deleted, id)
	}
	return st
}

func (b *Box) Restore(st BoxState) {
	b.owner = st.Owner
	b.msgs = append([]protocol.Message(nil), st.Messages...)
	b.archived = map[string]struct{}{}
	for _, id := range st.Archived {
		b.archived[id] = struct{}{}
	}
	b.deleted = map[string]struct{}{}
	for _, id := range st.Deleted {
		b.deleted[id] = struct{}{}
	}
	b.reindex()
}
